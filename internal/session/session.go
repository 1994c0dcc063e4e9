// Package session runs the per-connection join/edit/leave state machine and
// turns client events into file-store writes and room broadcasts.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/codeit/server/internal/files"
	"github.com/codeit/server/internal/logger"
	"github.com/codeit/server/internal/models"
	"github.com/codeit/server/internal/presence"
)

var (
	ErrNotJoined      = errors.New("not joined to a room")
	ErrAlreadyJoined  = errors.New("already joined to a room")
	ErrInvalidPayload = errors.New("invalid payload")
)

// State is where a connection is in the join/leave lifecycle.
type State int

const (
	StateUnjoined State = iota
	StateJoined
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is one connection's stay in one room.
type Session struct {
	ConnectionID string
	RoomID       string
	DisplayName  string
	State        State
}

// Transport delivers events to connections and tracks room groups across
// instances.
type Transport interface {
	JoinGroup(ctx context.Context, connID, roomID string) error
	LeaveAll(ctx context.Context, connID string) ([]string, error)
	RoomsOf(connID string) []string
	Members(ctx context.Context, roomID string) ([]string, error)
	ToRoom(ctx context.Context, roomID string, msg models.Message, exclude string) error
	ToConn(ctx context.Context, connID string, msg models.Message) error
}

// Coordinator owns the sessions of this instance's connections and applies
// their events to the room file store.
type Coordinator struct {
	files     *files.Service
	presence  *presence.Tracker
	transport Transport
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewCoordinator creates a coordinator that delivers through transport.
func NewCoordinator(fileService *files.Service, tracker *presence.Tracker, transport Transport) *Coordinator {
	return &Coordinator{
		files:     fileService,
		presence:  tracker,
		transport: transport,
		log:       logger.For("session"),
		sessions:  make(map[string]*Session),
	}
}

// Session returns a copy of the connection's current session.
func (c *Coordinator) Session(connID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[connID]
	if !ok {
		return Session{ConnectionID: connID, State: StateUnjoined}, false
	}
	return *s, true
}

func (c *Coordinator) joined(connID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[connID]
	if !ok || s.State != StateJoined {
		return nil, ErrNotJoined
	}
	return s, nil
}

// Refresh keeps the display names of this instance's joined sessions from
// expiring while they stay connected. Names lost to an expired hash are
// recorded again.
func (c *Coordinator) Refresh(ctx context.Context) error {
	active := c.joinedSessions()
	if len(active) == 0 {
		return nil
	}

	ok, err := c.presence.Refresh(ctx)
	if err != nil || ok {
		return err
	}

	var errs []error
	for _, s := range active {
		if err := c.presence.Record(ctx, s.ConnectionID, s.DisplayName); err != nil {
			errs = append(errs, err)
			continue
		}
		// a session that ended meanwhile must not leave its name behind
		if _, err := c.joined(s.ConnectionID); err != nil {
			if err := c.presence.Remove(ctx, s.ConnectionID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.log.Info().Int("sessions", len(active)).Msg("Restored expired presence")
	return errors.Join(errs...)
}

func (c *Coordinator) joinedSessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s.State == StateJoined {
			active = append(active, *s)
		}
	}
	return active
}

// RoomMembers returns the live connections of a room that have a display
// name on record.
func (c *Coordinator) RoomMembers(ctx context.Context, roomID string) ([]models.Member, error) {
	ids, err := c.transport.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	names, err := c.presence.Names(ctx, ids)
	if err != nil {
		return nil, err
	}

	members := make([]models.Member, 0, len(ids))
	for _, id := range ids {
		name, ok := names[id]
		if !ok {
			continue
		}
		members = append(members, models.Member{ConnectionID: id, DisplayName: name})
	}
	return members, nil
}

// Join puts an unjoined connection into a room, announces it to every member
// and sends the joiner the room's files.
func (c *Coordinator) Join(ctx context.Context, connID, roomID, displayName string) error {
	if roomID == "" {
		return fmt.Errorf("%w: empty room id", ErrInvalidPayload)
	}

	c.mu.Lock()
	if s, ok := c.sessions[connID]; ok && s.State == StateJoined {
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	sess := &Session{
		ConnectionID: connID,
		RoomID:       roomID,
		DisplayName:  displayName,
		State:        StateJoined,
	}
	c.sessions[connID] = sess
	c.mu.Unlock()

	if err := c.presence.Record(ctx, connID, displayName); err != nil {
		return c.abortJoin(ctx, sess, err)
	}
	if err := c.transport.JoinGroup(ctx, connID, roomID); err != nil {
		return c.abortJoin(ctx, sess, err)
	}
	if err := c.files.EnsureInitialized(ctx, roomID); err != nil {
		return c.abortJoin(ctx, sess, err)
	}
	roomFiles, err := c.files.List(ctx, roomID)
	if err != nil {
		return c.abortJoin(ctx, sess, err)
	}
	members, err := c.RoomMembers(ctx, roomID)
	if err != nil {
		return c.abortJoin(ctx, sess, err)
	}

	joined, err := models.NewMessage(models.EventJoined, models.JoinedPayload{
		Members:      members,
		DisplayName:  displayName,
		ConnectionID: connID,
	})
	if err != nil {
		return c.abortJoin(ctx, sess, err)
	}
	if err := c.transport.ToRoom(ctx, roomID, joined, ""); err != nil {
		c.log.Error().Err(err).Str("conn", connID).Str("room", roomID).Msg("Failed to announce join")
	}

	fileSync, err := models.NewMessage(models.EventFileSync, models.FileSyncPayload{Files: roomFiles})
	if err != nil {
		return err
	}
	if err := c.transport.ToConn(ctx, connID, fileSync); err != nil {
		return err
	}

	c.log.Info().Str("conn", connID).Str("room", roomID).Str("name", displayName).Int("members", len(members)).Msg("Joined room")
	return nil
}

func (c *Coordinator) abortJoin(ctx context.Context, sess *Session, cause error) error {
	if _, err := c.transport.LeaveAll(ctx, sess.ConnectionID); err != nil {
		c.log.Warn().Err(err).Str("conn", sess.ConnectionID).Msg("Rollback failed to leave group")
	}
	if err := c.presence.Remove(ctx, sess.ConnectionID); err != nil {
		c.log.Warn().Err(err).Str("conn", sess.ConnectionID).Msg("Rollback failed to remove presence")
	}

	c.mu.Lock()
	if c.sessions[sess.ConnectionID] == sess {
		delete(c.sessions, sess.ConnectionID)
	}
	c.mu.Unlock()

	return fmt.Errorf("failed to join room %s: %w", sess.RoomID, cause)
}

// CodeChange stores a file's new content and relays it to the rest of the
// room. Edits to a file that no longer exists are dropped.
func (c *Coordinator) CodeChange(ctx context.Context, connID, fileID, content string) error {
	sess, err := c.joined(connID)
	if err != nil {
		return err
	}

	ok, err := c.files.SetContent(ctx, sess.RoomID, fileID, content)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debug().Str("room", sess.RoomID).Str("file", fileID).Msg("Dropping edit to missing file")
		return nil
	}

	msg, err := models.NewMessage(models.EventCodeChange, models.CodeChangePayload{FileID: fileID, Content: content})
	if err != nil {
		return err
	}
	return c.transport.ToRoom(ctx, sess.RoomID, msg, connID)
}

// SyncCode sends one file's content to a single member of the sender's room,
// typically to bring a newcomer up to date. Nothing is stored.
func (c *Coordinator) SyncCode(ctx context.Context, connID, targetID, fileID, content string) error {
	sess, err := c.joined(connID)
	if err != nil {
		return err
	}
	if targetID == "" || targetID == connID {
		return fmt.Errorf("%w: bad sync target", ErrInvalidPayload)
	}

	members, err := c.transport.Members(ctx, sess.RoomID)
	if err != nil {
		return err
	}
	if !contains(members, targetID) {
		c.log.Debug().Str("room", sess.RoomID).Str("target", targetID).Msg("Dropping sync to non-member")
		return nil
	}

	msg, err := models.NewMessage(models.EventCodeChange, models.CodeChangePayload{FileID: fileID, Content: content})
	if err != nil {
		return err
	}
	return c.transport.ToConn(ctx, targetID, msg)
}

// FileCreate adds or replaces a file and tells the whole room, creator
// included.
func (c *Coordinator) FileCreate(ctx context.Context, connID string, file models.File) error {
	sess, err := c.joined(connID)
	if err != nil {
		return err
	}

	if err := c.files.Put(ctx, sess.RoomID, file); err != nil {
		if errors.Is(err, files.ErrInvalidFile) {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return err
	}

	msg, err := models.NewMessage(models.EventFileCreate, models.FileCreatePayload{File: file})
	if err != nil {
		return err
	}
	return c.transport.ToRoom(ctx, sess.RoomID, msg, "")
}

// FileDelete removes a file and tells the whole room, even when the file was
// already gone.
func (c *Coordinator) FileDelete(ctx context.Context, connID, fileID string) error {
	sess, err := c.joined(connID)
	if err != nil {
		return err
	}
	if fileID == "" {
		return fmt.Errorf("%w: empty file id", ErrInvalidPayload)
	}

	if err := c.files.Delete(ctx, sess.RoomID, fileID); err != nil {
		return err
	}

	msg, err := models.NewMessage(models.EventFileDelete, models.FileDeletePayload{FileID: fileID})
	if err != nil {
		return err
	}
	return c.transport.ToRoom(ctx, sess.RoomID, msg, "")
}

// FileRename renames a file and tells the whole room. Renaming a missing file
// is dropped.
func (c *Coordinator) FileRename(ctx context.Context, connID, fileID, newName string) error {
	sess, err := c.joined(connID)
	if err != nil {
		return err
	}

	ok, err := c.files.Rename(ctx, sess.RoomID, fileID, newName)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debug().Str("room", sess.RoomID).Str("file", fileID).Msg("Dropping rename of missing file")
		return nil
	}

	msg, err := models.NewMessage(models.EventFileRename, models.FileRenamePayload{FileID: fileID, NewName: newName})
	if err != nil {
		return err
	}
	return c.transport.ToRoom(ctx, sess.RoomID, msg, "")
}

// Leave ends the session but keeps the connection open; the connection may
// join again later.
func (c *Coordinator) Leave(ctx context.Context, connID string) error {
	sess, err := c.joined(connID)
	if err != nil {
		return err
	}

	c.teardown(ctx, connID, sess.DisplayName)

	c.mu.Lock()
	sess.State = StateLeft
	c.mu.Unlock()

	c.log.Info().Str("conn", connID).Str("room", sess.RoomID).Msg("Left room")
	return nil
}

// Disconnect cleans up after a closed connection, whatever state it was in.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	c.mu.Lock()
	sess := c.sessions[connID]
	delete(c.sessions, connID)
	c.mu.Unlock()

	var name string
	if sess != nil {
		name = sess.DisplayName
	}
	c.teardown(ctx, connID, name)

	c.log.Debug().Str("conn", connID).Msg("Disconnected")
}

// teardown announces the departure to every room the connection is in, then
// drops its presence and group membership. Failures are logged only.
func (c *Coordinator) teardown(ctx context.Context, connID, fallbackName string) {
	name := fallbackName
	if recorded, ok, err := c.presence.Lookup(ctx, connID); err != nil {
		c.log.Warn().Err(err).Str("conn", connID).Msg("Presence lookup failed")
	} else if ok {
		name = recorded
	}

	msg, err := models.NewMessage(models.EventDisconnected, models.DisconnectedPayload{
		ConnectionID: connID,
		DisplayName:  name,
	})
	if err == nil {
		for _, roomID := range c.transport.RoomsOf(connID) {
			if err := c.transport.ToRoom(ctx, roomID, msg, connID); err != nil {
				c.log.Warn().Err(err).Str("conn", connID).Str("room", roomID).Msg("Failed to announce departure")
			}
		}
	}

	if err := c.presence.Remove(ctx, connID); err != nil {
		c.log.Warn().Err(err).Str("conn", connID).Msg("Failed to remove presence")
	}
	if _, err := c.transport.LeaveAll(ctx, connID); err != nil {
		c.log.Warn().Err(err).Str("conn", connID).Msg("Failed to leave room groups")
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
