package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/codeit/server/internal/config"
	"github.com/codeit/server/internal/hub"
	"github.com/codeit/server/internal/session"
	"github.com/codeit/server/internal/state"
)

type Server struct {
	cfg         *config.Config
	store       state.Store
	hub         *hub.Hub
	coordinator *session.Coordinator
	mode        string
	log         zerolog.Logger
}

func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.corsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/ws", s.hub.ServeWs).Methods("GET")
	router.HandleFunc("/api/rooms/{roomId}/members", s.handleRoomMembers).Methods("GET", "OPTIONS")

	return router
}

// Middleware

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.cfg.AllowsOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Health check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "unavailable",
			"mode":     s.mode,
			"instance": s.hub.InstanceID(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"mode":     s.mode,
		"instance": s.hub.InstanceID(),
	})
}

func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	members, err := s.coordinator.RoomMembers(r.Context(), roomID)
	if err != nil {
		s.log.Error().Err(err).Str("room", roomID).Msg("Failed to list room members")
		http.Error(w, "Room members unavailable", http.StatusServiceUnavailable)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"roomId":  roomID,
		"members": members,
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
