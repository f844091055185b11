package main

import (
	"encoding/json"
	"net/http"

	"github.com/Hubmakerlabs/outboxr/pkg/system"
	"github.com/rs/cors"
	"github.com/sebest/xff"
)

// statusHandler serves the engine state as JSON.
func statusHandler(s *system.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Snapshot())
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Metrics.Snapshot())
	})
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.Profile(r.URL.Query().Get("pubkey"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, p)
	})
	mux.HandleFunc("/relays", func(w http.ResponseWriter, r *http.Request) {
		u, ok := s.RelaysOf(r.URL.Query().Get("pubkey"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, u)
	})
	logged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.D.F("{%s} %s %s", xff.GetRemoteAddr(r), r.Method, r.URL.Path)
		mux.ServeHTTP(w, r)
	})
	return cors.AllowAll().Handler(logged)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	chk.E(enc.Encode(v))
}
