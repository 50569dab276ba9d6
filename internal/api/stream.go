package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/abogen/internal/events"
	"github.com/loqalabs/abogen/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents streams a job's events as JSON text frames: the init
// snapshot first, then replay from ?from=N, then live events. The server
// closes the socket after the terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	from, err := parseFrom(r.URL.Query().Get("from"))
	if err != nil {
		s.writeError(w, &protocol.ErrorBody{Code: protocol.CodeBadRequest, Message: err.Error()})
		return
	}
	sub, err := s.opts.Jobs.Subscribe(id, from)
	if err != nil {
		s.writeError(w, protocol.ErrorFrom(err))
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("job_id", id), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read side only services control frames and notices the peer
	// going away.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	frames := make(chan events.Event)
	errc := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			evt, err := sub.Next(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-frames:
			if !ok {
				s.closeStream(conn, id, errc)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("websocket write failed", slog.String("job_id", id), slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, id string, errc <-chan error) {
	var err error
	select {
	case err = <-errc:
	default:
	}
	code, reason := websocket.CloseNormalClosure, "job finished"
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return
	case errors.Is(err, io.EOF):
	case errors.Is(err, events.ErrClosed):
		code, reason = websocket.CloseGoingAway, "server shutting down"
	default:
		code, reason = websocket.CloseInternalServerErr, err.Error()
		s.log.Warn("event stream failed", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func parseFrom(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	from, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("from must be a non-negative integer")
	}
	return from, nil
}
