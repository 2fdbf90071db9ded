package handlers

import (
	"errors"
	"log/slog"

	"chat-relay/internal/models"
	"chat-relay/internal/relay"
	"chat-relay/internal/services"

	"github.com/gofiber/websocket/v2"
)

// connSession is the per-connection state that lives outside the hub: the metadata announced
// for the next binary frame.
type connSession struct {
	hub         *relay.Hub
	attachments *services.AttachmentService
	client      *relay.Client
	log         *slog.Logger

	pendingMeta *models.FileMeta
}

// log should already carry the connection's user_id and chat_id.
func newConnSession(hub *relay.Hub, attachments *services.AttachmentService, client *relay.Client, log *slog.Logger) *connSession {
	return &connSession{hub: hub, attachments: attachments, client: client, log: log}
}

// HandleFrame routes one websocket frame. Text frames are client events, binary frames are
// attachments.
func (s *connSession) HandleFrame(msgType int, data []byte) {
	switch msgType {
	case websocket.TextMessage:
		s.handleEvent(data)
	case websocket.BinaryMessage:
		s.handleBinary(data)
	}
}

func (s *connSession) handleEvent(data []byte) {
	ev, err := models.ParseInbound(data)
	if err != nil {
		s.log.Warn("dropping client event", "error", err.Error())
		return
	}

	// file_meta only describes the next binary frame on this connection.
	if fm, ok := ev.(models.FileMetaEvent); ok {
		meta := fm.Meta
		s.pendingMeta = &meta
		return
	}

	s.report(s.hub.Dispatch(s.client, ev), ev.InboundType())
}

func (s *connSession) handleBinary(data []byte) {
	meta := s.pendingMeta
	s.pendingMeta = nil

	att, err := s.attachments.Save(s.client.UserID, data, meta)
	if err != nil {
		s.log.Error("save attachment", "error", err, "size", len(data))
		return
	}

	s.log.Info("attachment stored", "attachment_id", att.ID, "size", att.Size, "mime_type", att.MimeType)
	s.report(s.hub.Upload(s.client, att), models.KindFile)
}

func (s *connSession) report(err error, event string) {
	if err == nil || errors.Is(err, relay.ErrHubStopped) {
		return
	}
	s.log.Error("submit event", "error", err, "event", event)
}
