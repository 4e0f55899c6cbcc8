package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/opensesame/sesame/internal/content"
	"github.com/opensesame/sesame/internal/engine"
	"github.com/opensesame/sesame/internal/store"
)

// Client frame types.
const (
	FrameContext = "context"
	FrameEnd     = "end"
)

// Server frame types, besides the storage acknowledgment.
const (
	FrameError  = "error"
	FrameClosed = "closed"
)

// ClientFrame is sent by the bot pipeline. A context frame carries the full
// current message list.
type ClientFrame struct {
	Type     string          `json:"type"`
	Messages json.RawMessage `json:"messages,omitempty"`
}

// StatusFrame reports a rejected frame or the end of a session.
type StatusFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

var errClientEnded = errors.New("client ended session")

// handleContextSync upgrades to a websocket and feeds every context frame
// through a sync engine bound to the backend. The engine is seeded with the
// stored history, so a reconnecting client that resends it appends nothing.
func (s *Server) handleContextSync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.backend.GetConversation(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	history, err := s.backend.ListMessages(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "conversation_id", id, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	eng := engine.New(id,
		engine.WithSink(s.backend),
		engine.WithSnapshot(store.SnapshotOf(history, conv.LanguageCode)),
		engine.WithLanguage(conv.LanguageCode),
		engine.WithLogger(s.logger),
		engine.WithMetrics(s.metrics),
		engine.WithDispatchTimeout(s.cfg.DispatchTimeout),
	)
	if err := eng.Start(); err != nil {
		s.logger.Error("start sync engine", "conversation_id", id, "error", err)
		conn.Close(websocket.StatusInternalError, "engine unavailable")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.trackSession(eng, cancel)
	defer s.untrackSession(eng)

	s.logger.Debug("sync session opened", "conversation_id", id, "history", len(history))
	loopErr := s.syncLoop(ctx, conn, eng)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer closeCancel()
	closeErr := eng.Close(closeCtx)
	if closeErr != nil {
		s.logger.Error("sync engine closed with error", "conversation_id", id, "error", closeErr)
	}
	s.logger.Debug("sync session closed", "conversation_id", id, "reason", loopErr)

	if !errors.Is(loopErr, errClientEnded) {
		return
	}
	frame := StatusFrame{Type: FrameClosed}
	if closeErr != nil {
		frame.Message = closeErr.Error()
	}
	if err := wsjson.Write(closeCtx, conn, frame); err != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// syncLoop reads frames until the client ends the session, the connection
// drops, or ctx is cancelled.
func (s *Server) syncLoop(ctx context.Context, conn *websocket.Conn, eng *engine.Engine) error {
	for {
		var frame ClientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}

		switch frame.Type {
		case FrameEnd:
			return errClientEnded
		case FrameContext:
			snap, err := content.DecodeSnapshot(frame.Messages)
			if err != nil {
				if werr := wsjson.Write(ctx, conn, StatusFrame{Type: FrameError, Message: err.Error()}); werr != nil {
					return werr
				}
				continue
			}
			res := eng.Save(snap)
			if !res.Queued {
				msg := "engine is closed"
				if err := eng.Err(); err != nil {
					msg = err.Error()
				}
				_ = wsjson.Write(ctx, conn, StatusFrame{Type: FrameError, Message: msg})
				return engine.ErrClosed
			}
			if ev, ok := res.Event(); ok {
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					return err
				}
			}
		default:
			if err := wsjson.Write(ctx, conn, StatusFrame{Type: FrameError, Message: "unknown frame type " + frame.Type}); err != nil {
				return err
			}
		}
	}
}
