// Copyright 2026 The Butler Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package switchboard implements the registry-owning butler's HTTP
// surface: registration, heartbeats, and the read-only dashboard
// endpoints, plus the eligibility sweep.
package switchboard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/stafford/butler/internal/heartbeat"
	"github.com/stafford/butler/internal/log"
	"github.com/stafford/butler/internal/store"
)

// Switchboard serves the registry API for the whole fleet.
type Switchboard struct {
	logger     *slog.Logger
	registry   *store.RegistryStore
	defaultTTL time.Duration
}

// New constructs the switchboard HTTP layer. defaultTTL applies to
// registrations that do not declare their own liveness TTL.
func New(registry *store.RegistryStore, defaultTTL time.Duration, logger *slog.Logger) *Switchboard {
	return &Switchboard{
		logger:     logger.With("component", "switchboard"),
		registry:   registry,
		defaultTTL: defaultTTL,
	}
}

// Routes mounts the switchboard API on a chi router.
func (s *Switchboard) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(log.Middleware(s.logger))

	r.Post("/api/register", s.handleRegister)
	r.Post("/api/heartbeat", s.handleHeartbeat)
	r.Get("/api/registry", s.handleRegistryList)
	r.Get("/api/registry/{name}", s.handleRegistryGet)
	r.Get("/api/registry/{name}/eligibility-log", s.handleEligibilityLog)
	r.Get("/api/routing-log", s.handleRoutingLog)
	return r
}

// RegisterRequest is the POST /api/register body.
type RegisterRequest struct {
	Name               string   `json:"name"`
	EndpointURL        string   `json:"endpoint_url"`
	Description        string   `json:"description,omitempty"`
	Modules            []string `json:"modules,omitempty"`
	LivenessTTLSeconds int      `json:"liveness_ttl_seconds,omitempty"`
}

func (s *Switchboard) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.EndpointURL == "" {
		http.Error(w, "name and endpoint_url are required", http.StatusBadRequest)
		return
	}

	ttl := req.LivenessTTLSeconds
	if ttl <= 0 {
		ttl = int(s.defaultTTL.Seconds())
	}

	err := s.registry.Upsert(r.Context(), &store.RegistryEntry{
		Name:               req.Name,
		EndpointURL:        req.EndpointURL,
		Description:        req.Description,
		Modules:            req.Modules,
		LivenessTTLSeconds: ttl,
	})
	if err != nil {
		s.logger.Error("registration failed", "butler", req.Name, "error", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	s.logger.Info("butler registered", "butler", req.Name, "endpoint", req.EndpointURL)
	entry, err := s.registry.Get(r.Context(), req.Name)
	if err != nil {
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Switchboard) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var beat heartbeat.Beat
	if err := json.NewDecoder(r.Body).Decode(&beat); err != nil || beat.ButlerName == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	entry, err := s.registry.Get(ctx, beat.ButlerName)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown butler", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "heartbeat failed", http.StatusInternalServerError)
		return
	}

	if err := s.registry.Touch(ctx, beat.ButlerName, time.Now().UTC()); err != nil {
		http.Error(w, "heartbeat failed", http.StatusInternalServerError)
		return
	}

	state := entry.EligibilityState
	if state == store.EligibilityStale {
		// A beat from a stale butler revives it. Quarantined butlers
		// stay quarantined; their last_seen_at was still updated.
		err := s.registry.Transition(ctx, beat.ButlerName,
			store.EligibilityStale, store.EligibilityActive, "heartbeat_received")
		if err != nil {
			s.logger.Error("stale revival failed", "butler", beat.ButlerName, "error", err)
		} else {
			state = store.EligibilityActive
			s.logger.Info("butler revived by heartbeat", "butler", beat.ButlerName)
		}
	}

	writeJSON(w, http.StatusOK, heartbeat.BeatResponse{EligibilityState: state})
}

func (s *Switchboard) handleRegistryList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.registry.List(r.Context())
	if err != nil {
		http.Error(w, "registry unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Switchboard) handleRegistryGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.registry.Get(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown butler", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "registry unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Switchboard) handleEligibilityLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.registry.EligibilityLog(r.Context(), chi.URLParam(r, "name"), 100)
	if err != nil {
		http.Error(w, "registry unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Switchboard) handleRoutingLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.registry.RoutingLog(r.Context(), 100)
	if err != nil {
		http.Error(w, "routing log unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
