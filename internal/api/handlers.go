package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/registry-supervisor/internal/history"
	"github.com/nerrad567/registry-supervisor/internal/process"
	"github.com/nerrad567/registry-supervisor/internal/registry"
)

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Supervisor    process.Stats    `json:"supervisor"`
	Usage         *process.Usage   `json:"usage,omitempty"`
	Registry      *registry.Config `json:"registry,omitempty"`
	Listening     bool             `json:"listening"`
	WSClients     int              `json:"websocket_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatusResponse{
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Supervisor:    s.supervisor.Stats(),
		WSClients:     s.hub.ClientCount(),
	}

	if usage, err := s.supervisor.ResourceUsage(ctx); err == nil {
		resp.Usage = &usage
	} else if !errors.Is(err, process.ErrNotRunning) {
		s.logger.Debug("sampling resource usage", "error", err)
	}

	if cfg, ok := s.registry.Cached(); ok {
		resp.Registry = &cfg
		listening, err := s.registry.Running(ctx)
		if err != nil {
			s.logger.Debug("probing registry port", "error", err)
		}
		resp.Listening = listening
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetRegistry returns the configuration discovered by this process,
// falling back to the last one recorded in history.
func (s *Server) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	if cfg, ok := s.registry.Cached(); ok {
		writeJSON(w, http.StatusOK, cfg)
		return
	}
	if s.history != nil {
		stored, err := s.history.LatestConfig(r.Context())
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, stored)
			return
		case !errors.Is(err, history.ErrNoConfig):
			s.logger.Error("reading latest registry config", "error", err)
			writeInternalError(w, "failed to read registry config")
			return
		}
	}
	writeError(w, Error{
		Status:  http.StatusNotFound,
		Code:    ErrCodeNotDiscovered,
		Message: "registry not discovered yet",
		Hint:    "POST /api/v1/registry/discover",
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.registry.Discover(r.Context())
	if err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// VersionsResponse is returned by GET /registry/versions.
type VersionsResponse struct {
	Package  string   `json:"package"`
	Versions []string `json:"versions"`
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	pkg := strings.TrimSpace(r.URL.Query().Get("package"))
	if pkg == "" {
		writeBadRequest(w, "package query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, VersionsResponse{
		Package:  pkg,
		Versions: s.registry.PackageVersions(r.Context(), pkg),
	})
}

// FlagResponse is returned by GET /registry/flag. Flag is empty when the
// local registry does not serve the version.
type FlagResponse struct {
	Package string `json:"package"`
	Version string `json:"version"`
	Flag    string `json:"flag"`
}

func (s *Server) handleRegistryFlag(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pkg, version := strings.TrimSpace(q.Get("package")), strings.TrimSpace(q.Get("version"))
	if pkg == "" || version == "" {
		writeBadRequest(w, "package and version query parameters are required")
		return
	}
	writeJSON(w, http.StatusOK, FlagResponse{
		Package: pkg,
		Version: version,
		Flag:    s.registry.RegistryFlag(r.Context(), pkg, version),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeNotFound(w, "task history is not enabled")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		Outcome: process.Outcome(q.Get("outcome")),
		Label:   q.Get("label"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}

	res, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing task history", "error", err)
		writeInternalError(w, "failed to list task history")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.supervisor.Stop(); err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

// writeSupervisorError reports a failed supervisor or discovery call.
func (s *Server) writeSupervisorError(w http.ResponseWriter, err error) {
	e, ok := supervisorError(err)
	if !ok {
		s.logger.Error("supervisor request failed", "error", err)
	}
	writeError(w, e)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
