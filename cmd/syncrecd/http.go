package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/juanpablocruz/syncrec/pkg/coordinator"
	"github.com/juanpablocruz/syncrec/pkg/eventbus"
)

// controlAPI is the researcher-facing HTTP surface. It is a thin adapter:
// all policy lives in the coordinator.
type controlAPI struct {
	coord *coordinator.Coordinator
	bus   *eventbus.Bus
}

func (a *controlAPI) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /session/start", a.handleStart)
	mux.HandleFunc("POST /session/stop", a.handleStop)
	mux.HandleFunc("POST /session/abort", a.handleAbort)
	mux.HandleFunc("GET /devices", a.handleDevices)
	mux.HandleFunc("GET /sessions", a.handleSessions)
	mux.HandleFunc("GET /events", a.handleEvents)
}

type startRequest struct {
	Devices []string `json:"devices,omitempty"`
	Quorum  struct {
		Mode     string `json:"mode"` // "all" | "min_count"
		MinCount int    `json:"min_count,omitempty"`
	} `json:"quorum"`
	CountdownMS      int64 `json:"countdown_ms,omitempty"`
	MaxUncertaintyMS int64 `json:"max_uncertainty_ms,omitempty"`
	StopTimeoutMS    int64 `json:"stop_timeout_ms,omitempty"`

	// Async returns immediately after the start is admitted; the session
	// then resolves in the background and lands in GET /sessions.
	Async bool `json:"async,omitempty"`
}

func (a *controlAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cfg := coordinator.SessionConfig{
		Devices:        req.Devices,
		Countdown:      time.Duration(req.CountdownMS) * time.Millisecond,
		MaxUncertainty: time.Duration(req.MaxUncertaintyMS) * time.Millisecond,
		StopTimeout:    time.Duration(req.StopTimeoutMS) * time.Millisecond,
	}
	switch req.Quorum.Mode {
	case "all":
		cfg.Quorum = coordinator.QuorumPolicy{Mode: coordinator.QuorumAll}
	case "min_count":
		cfg.Quorum = coordinator.QuorumPolicy{Mode: coordinator.QuorumMinCount, MinCount: req.Quorum.MinCount}
	default:
		writeError(w, http.StatusBadRequest, coordinator.ErrQuorumPolicyRequired)
		return
	}

	if req.Async {
		// The request context dies when this handler returns; the start
		// must outlive it.
		h := a.coord.StartSessionAsync(context.WithoutCancel(r.Context()), cfg)
		go func() {
			if _, err := h.Wait(); err != nil {
				slog.Warn("async_start_failed", "err", err)
			}
		}()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
		return
	}

	res, err := a.coord.StartSession(r.Context(), cfg)
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, coordinator.ErrQuorumPolicyRequired) {
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, res)
}

func (a *controlAPI) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Async bool `json:"async"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.Async {
		h := a.coord.StopSessionAsync(context.WithoutCancel(r.Context()))
		go func() {
			if _, err := h.Wait(); err != nil {
				slog.Warn("async_stop_failed", "err", err)
			}
		}()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
		return
	}

	m, err := a.coord.StopSession(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, m)
}

func (a *controlAPI) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator_abort"
	}
	m, err := a.coord.AbortSession(r.Context(), req.Reason)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, m)
}

func (a *controlAPI) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.coord.ListDevices())
}

func (a *controlAPI) handleSessions(w http.ResponseWriter, _ *http.Request) {
	out := struct {
		Current  *coordinator.Manifest  `json:"current,omitempty"`
		Finished []coordinator.Manifest `json:"finished"`
	}{Finished: a.coord.Sessions()}
	if m, ok := a.coord.Current(); ok {
		out.Current = &m
	}
	writeJSON(w, out)
}

// handleEvents streams bus events as NDJSON until the client goes away.
func (a *controlAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	ch, cancel := a.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write_response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
