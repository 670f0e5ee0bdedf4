package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/voice-relay/pkg/relay/lifecycle"
	"github.com/vango-go/voice-relay/pkg/relay/registry"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports readiness. A draining process answers 503 so load
// balancers stop sending new sessions while existing ones wind down.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Registry  *registry.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool `json:"ok"`
		Draining       bool `json:"draining"`
		ActiveSessions int  `json:"active_sessions"`
	}

	draining := h.Lifecycle.IsDraining()
	active := 0
	if h.Registry != nil {
		active = h.Registry.Count()
	}

	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             !draining,
		Draining:       draining,
		ActiveSessions: active,
	})
}
