// Package files stores each room's file collection in the shared state store,
// one hash per room keyed by file id.
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/codeit/server/internal/logger"
	"github.com/codeit/server/internal/models"
	"github.com/codeit/server/internal/state"
)

const (
	DefaultFileID   = "file-1"
	DefaultFileName = "main.js"

	// TTL is refreshed on every write, so only idle rooms expire.
	TTL = 7 * 24 * time.Hour
)

var ErrInvalidFile = errors.New("invalid file")

// Service reads and writes room files in the shared store.
type Service struct {
	store state.Store
	log   zerolog.Logger
}

// NewService creates a file service over the shared store.
func NewService(store state.Store) *Service {
	return &Service{
		store: store,
		log:   logger.For("files"),
	}
}

func roomKey(roomID string) string {
	return fmt.Sprintf("room:%s:files", roomID)
}

// EnsureInitialized seeds the default file when the room has none. Two
// instances racing here both write the same fixed file, so no lock is needed.
func (s *Service) EnsureInitialized(ctx context.Context, roomID string) error {
	n, err := s.store.HLen(ctx, roomKey(roomID))
	if err != nil {
		return fmt.Errorf("failed to count files in room %s: %w", roomID, err)
	}
	if n > 0 {
		return nil
	}

	return s.Put(ctx, roomID, models.File{
		ID:   DefaultFileID,
		Name: DefaultFileName,
	})
}

// List returns the room's files ordered by id. Entries that fail to decode
// are skipped.
func (s *Service) List(ctx context.Context, roomID string) ([]models.File, error) {
	raw, err := s.store.HGetAll(ctx, roomKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to list files in room %s: %w", roomID, err)
	}

	files := make([]models.File, 0, len(raw))
	for id, data := range raw {
		var f models.File
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			s.log.Warn().Err(err).Str("room", roomID).Str("file", id).Msg("Skipping undecodable file entry")
			continue
		}
		f.ID = id
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files, nil
}

// Put inserts or replaces a file by id.
func (s *Service) Put(ctx context.Context, roomID string, file models.File) error {
	if file.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidFile)
	}

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to marshal file %s: %w", file.ID, err)
	}

	if err := s.store.HSet(ctx, roomKey(roomID), file.ID, string(data), TTL); err != nil {
		return fmt.Errorf("failed to store file %s in room %s: %w", file.ID, roomID, err)
	}
	return nil
}

// Rename changes a file's name. It reports false, without error, when the
// file no longer exists.
func (s *Service) Rename(ctx context.Context, roomID, fileID, newName string) (bool, error) {
	return s.update(ctx, roomID, fileID, func(f *models.File) { f.Name = newName })
}

// SetContent replaces a file's content, last write wins. It reports false,
// without error, when the file no longer exists.
func (s *Service) SetContent(ctx context.Context, roomID, fileID, content string) (bool, error) {
	return s.update(ctx, roomID, fileID, func(f *models.File) { f.Content = content })
}

// Delete removes a file. Deleting a missing file is not an error.
func (s *Service) Delete(ctx context.Context, roomID, fileID string) error {
	if err := s.store.HDel(ctx, roomKey(roomID), fileID); err != nil {
		return fmt.Errorf("failed to delete file %s in room %s: %w", fileID, roomID, err)
	}
	return nil
}

func (s *Service) update(ctx context.Context, roomID, fileID string, mutate func(*models.File)) (bool, error) {
	if fileID == "" {
		return false, nil
	}

	ok, err := s.store.HUpdate(ctx, roomKey(roomID), fileID, TTL, func(current string) (string, error) {
		var f models.File
		if err := json.Unmarshal([]byte(current), &f); err != nil {
			return "", fmt.Errorf("corrupt file entry: %w", err)
		}
		f.ID = fileID
		mutate(&f)
		data, err := json.Marshal(f)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to update file %s in room %s: %w", fileID, roomID, err)
	}
	return ok, nil
}
