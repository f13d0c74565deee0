package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/minimal-vr/netplay/core"
)

// newDiagMux builds the operator-facing HTTP surface. Watchers are not
// sessions: they never enter the session table and never receive wire
// records.
func newDiagMux(game *core.ServerGame, watchInterval time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /sessions", sessions(game))
	mux.HandleFunc("GET /watch", watch(game, watchInterval))
	return mux
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func sessions(game *core.ServerGame) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(game.Snapshot()); err != nil {
			log.Printf("[diag] sessions encode error: %v", err)
		}
	}
}

// watch upgrades to a websocket and pushes engine snapshots at a fixed
// cadence until the observer goes away.
func watch(game *core.ServerGame, interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Printf("[diag] watch upgrade failed: %v", err)
			return
		}
		defer conn.CloseNow()

		log.Printf("[diag] watcher connected from %s", r.RemoteAddr)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				data, err := json.Marshal(game.Snapshot())
				if err != nil {
					log.Printf("[diag] snapshot marshal error: %v", err)
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					log.Printf("[diag] watcher dropped: %v", err)
					return
				}
			}
		}
	}
}
