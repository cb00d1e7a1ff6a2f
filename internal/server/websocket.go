// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/taskhive/taskhive/internal/logtail"
)

const (
	logBacklogEvents = 50
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	writeWait        = 10 * time.Second
)

// newUpgrader creates a WebSocket upgrader that respects the configured
// allowed origins. When allowedOrigins is empty the upgrader accepts any
// origin (localhost development mode).
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// workerLogPath locates the agent log file for a worker slot. Project log
// directories are checked first; a worker that has not produced a log in
// any project falls back to a global path the tailer can wait on.
func (h *Handlers) workerLogPath(workerID string) string {
	if projects, err := h.store.ListProjects(); err == nil {
		for _, project := range projects {
			candidate := h.data.LogFile(project.ID, workerID)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return filepath.Join(h.data.Dir, "logs", workerID+".jsonl")
}

// StreamLogs handles GET /ws/logs/{workerID}: a bounded backlog of parsed
// agent events followed by a live tail of the worker's log file.
func (h *Handlers) StreamLogs(allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		workerID := chi.URLParam(r, "workerID")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer conn.Close()
		getLog().Info().Str("worker_id", workerID).Str("remote", r.RemoteAddr).Msg("Log stream client connected")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// The client sends nothing meaningful; reads only surface
		// disconnects and keep pong handling alive.
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		path := h.workerLogPath(workerID)

		backlog, err := logtail.ParseLogFile(path)
		if err != nil {
			getLog().Warn().Err(err).Str("path", path).Msg("Failed to read log backlog")
		}
		if len(backlog) > logBacklogEvents {
			backlog = backlog[len(backlog)-logBacklogEvents:]
		}
		for _, event := range backlog {
			if !writeEvent(conn, event) {
				return
			}
		}

		events := logtail.Tail(ctx, path)
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if !writeEvent(conn, event) {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event logtail.Event) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(event); err != nil {
		getLog().Debug().Err(err).Msg("Log stream write failed")
		return false
	}
	return true
}
