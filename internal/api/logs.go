package api

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogs streams log lines as websocket text messages or as a chunked
// text/plain body. With ?match=br-lan only lines containing the string are
// sent, which is enough to follow one interface or the scanner.
func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	match := []byte(r.URL.Query().Get("match"))
	if websocket.IsWebSocketUpgrade(r) {
		s.handleLogsWS(w, r, match)
		return
	}
	s.handleLogsHTTP(w, r, match)
}

func (s *APIServer) handleLogsWS(w http.ResponseWriter, r *http.Request, match []byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The client never sends anything; a failed read means it went away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.streamLogs(ctx, match, func(line []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, line)
	})
}

func (s *APIServer) handleLogsHTTP(w http.ResponseWriter, r *http.Request, match []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.streamLogs(r.Context(), match, func(line []byte) error {
		if _, err := w.Write(line); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

// streamLogs hands every broadcast line containing match to send until ctx
// ends, send fails or the broadcaster drops the subscription.
func (s *APIServer) streamLogs(ctx context.Context, match []byte, send func([]byte) error) {
	ch := s.logBroadcaster.Subscribe()
	defer s.logBroadcaster.Unsubscribe(ch)

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			if len(match) > 0 && !bytes.Contains(line, match) {
				continue
			}
			if err := send(line); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
