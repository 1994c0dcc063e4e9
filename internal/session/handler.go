package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/codeit/server/internal/metrics"
	"github.com/codeit/server/internal/models"
)

// HandleMessage decodes a client event and runs it against the connection's
// session. Rejections are reported to the sender only; malformed payloads
// are dropped.
func (c *Coordinator) HandleMessage(ctx context.Context, connID string, msg models.Message) {
	var err error

	switch msg.Type {
	case models.EventJoin:
		var p models.JoinPayload
		if err = decode(msg, &p); err == nil {
			err = c.Join(ctx, connID, p.RoomID, p.DisplayName)
		}

	case models.EventLeave:
		err = c.Leave(ctx, connID)

	case models.EventCodeChange:
		var p models.CodeChangePayload
		if err = decode(msg, &p); err == nil {
			err = c.CodeChange(ctx, connID, p.FileID, p.Content)
		}

	case models.EventSyncCode:
		var p models.SyncCodePayload
		if err = decode(msg, &p); err == nil {
			err = c.SyncCode(ctx, connID, p.TargetConnectionID, p.FileID, p.Content)
		}

	case models.EventFileCreate:
		var p models.FileCreatePayload
		if err = decode(msg, &p); err == nil {
			err = c.FileCreate(ctx, connID, p.File)
		}

	case models.EventFileDelete:
		var p models.FileDeletePayload
		if err = decode(msg, &p); err == nil {
			err = c.FileDelete(ctx, connID, p.FileID)
		}

	case models.EventFileRename:
		var p models.FileRenamePayload
		if err = decode(msg, &p); err == nil {
			err = c.FileRename(ctx, connID, p.FileID, p.NewName)
		}

	default:
		metrics.EventsRejected.WithLabelValues("unknown_type").Inc()
		c.log.Debug().Str("conn", connID).Str("type", msg.Type).Msg("Unknown message type")
		return
	}

	metrics.EventsReceived.WithLabelValues(msg.Type).Inc()
	if err != nil {
		c.reject(ctx, connID, msg.Type, err)
	}
}

// HandleDisconnect runs once the connection's read loop has stopped.
func (c *Coordinator) HandleDisconnect(ctx context.Context, connID string) {
	c.Disconnect(ctx, connID)
}

func decode(msg models.Message, v interface{}) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (c *Coordinator) reject(ctx context.Context, connID, event string, err error) {
	var reason, message string
	switch {
	case errors.Is(err, ErrInvalidPayload):
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		c.log.Debug().Err(err).Str("conn", connID).Str("type", event).Msg("Dropping malformed event")
		return
	case errors.Is(err, ErrNotJoined):
		reason, message = "not_joined", ErrNotJoined.Error()
	case errors.Is(err, ErrAlreadyJoined):
		reason, message = "already_joined", ErrAlreadyJoined.Error()
	default:
		reason, message = "unavailable", "temporarily unavailable, try again"
		c.log.Error().Err(err).Str("conn", connID).Str("type", event).Msg("Event failed")
	}
	metrics.EventsRejected.WithLabelValues(reason).Inc()

	reply, mErr := models.NewMessage(models.EventError, models.ErrorPayload{Event: event, Message: message})
	if mErr != nil {
		return
	}
	if sendErr := c.transport.ToConn(ctx, connID, reply); sendErr != nil {
		c.log.Warn().Err(sendErr).Str("conn", connID).Msg("Failed to report error")
	}
}
