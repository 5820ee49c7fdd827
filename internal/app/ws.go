package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// wsWriteTimeout bounds a single frame write to a slow client.
const wsWriteTimeout = 10 * time.Second

// wsMessage is one server-to-client frame on /v1/segment/ws. Progress frames
// carry an [Event]; the last frame is either "result" or "error".
type wsMessage struct {
	Type   string  `json:"type"`
	Event  *Event  `json:"event,omitempty"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
	Status int     `json:"status,omitempty"`
}

// handleSegmentWS accepts a WebSocket, reads one segment request and streams
// progress events until the run finishes. Closing the socket cancels the run.
func (s *Server) handleSegmentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		slog.Debug("websocket read failed", "err", err)
		return
	}
	var req segmentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.wsFail(ctx, conn, fmt.Errorf("%w: decode request: %w", errBadRequest, err))
		return
	}
	tr, err := req.decode()
	if err != nil {
		s.wsFail(ctx, conn, err)
		return
	}

	// Reading detects a client close and cancels the run. CloseRead discards
	// any further client messages.
	ctx = conn.CloseRead(ctx)

	opts := append(req.runOptions(), WithEvents(func(e Event) {
		if err := wsWrite(ctx, conn, wsMessage{Type: "progress", Event: &e}); err != nil {
			cancel()
		}
	}))
	res, err := s.app.Segment(ctx, req.Source, tr, opts...)
	if err != nil {
		s.wsFail(ctx, conn, err)
		return
	}
	if err := wsWrite(ctx, conn, wsMessage{Type: "result", Result: res}); err != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}

func (s *Server) wsFail(ctx context.Context, conn *websocket.Conn, err error) {
	status := statusFor(err)
	if ctx.Err() == nil {
		_ = wsWrite(ctx, conn, wsMessage{Type: "error", Error: err.Error(), Status: status})
	}
	code := websocket.StatusInternalError
	if status < http.StatusInternalServerError {
		code = websocket.StatusPolicyViolation
	}
	conn.Close(code, http.StatusText(status))
}

func wsWrite(ctx context.Context, conn *websocket.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
