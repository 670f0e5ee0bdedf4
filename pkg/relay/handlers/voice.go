package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-relay/pkg/relay/config"
	"github.com/vango-go/voice-relay/pkg/relay/lifecycle"
	"github.com/vango-go/voice-relay/pkg/relay/live/session"
	"github.com/vango-go/voice-relay/pkg/relay/lookup"
	"github.com/vango-go/voice-relay/pkg/relay/metrics"
	"github.com/vango-go/voice-relay/pkg/relay/mw"
	"github.com/vango-go/voice-relay/pkg/relay/registry"
	"github.com/vango-go/voice-relay/pkg/relay/store"
	"github.com/vango-go/voice-relay/pkg/relay/upstream"
)

// VoiceHandler upgrades /v1/voice to a websocket and runs one live session
// per connection.
type VoiceHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Upstreams upstream.Factory
	Lookup    lookup.Service
	Customers store.Store
	Registry  *registry.Registry
	Lifecycle *lifecycle.Lifecycle
	Metrics   *metrics.Metrics
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		writeJSONError(w, http.StatusServiceUnavailable, "draining", "relay is draining")
		return
	}
	if !h.originAllowed(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "origin is not allowed")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, err := h.Upstreams.Open(r.Context(), h.Config.UpstreamBackend)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("open upstream channel failed", "backend", h.Config.UpstreamBackend, "error", err)
		}
		_ = conn.WriteJSON(map[string]any{
			"type": "error", "code": "upstream_error",
			"message": "failed to open speech channel", "close": true,
		})
		return
	}

	sessionID := "s_" + mw.RandHex(8)
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		Upstream:  ch,
		Lookup:    h.Lookup,
		Customers: h.Customers,
		Registry:  h.Registry,
		SessionID: sessionID,
		Config: session.Config{
			MaxMessageBytes:       h.Config.MaxMessageBytes,
			ReadTimeout:           h.Config.WSReadTimeout,
			WriteTimeout:          h.Config.WSWriteTimeout,
			PingInterval:          h.Config.WSPingInterval,
			OverrideWait:          h.Config.OverrideWait,
			DisconnectGrace:       h.Config.DisconnectGrace,
			CommandTimeout:        h.Config.CommandTimeout,
			OutboundQueueSize:     h.Config.OutboundQueueSize,
			MaxProtocolViolations: h.Config.MaxProtocolViolations,
		},
		Hooks: session.Hooks{
			OverrideApplied:     h.Metrics.RecordOverride,
			DuplicateSuppressed: h.Metrics.RecordDuplicateSuppressed,
			AudioForwarded: func(bytes int) {
				h.Metrics.RecordAudio("outbound", bytes)
			},
		},
	})
	if err != nil {
		ch.ForceClose()
		_ = conn.WriteJSON(map[string]any{
			"type": "error", "code": "internal",
			"message": "failed to initialize session", "close": true,
		})
		return
	}

	start := time.Now()
	h.Metrics.RecordSessionStart()

	status := "graceful"
	if err := s.Run(); err != nil {
		status = "error"
		logger.Warn("voice session ended with error", "session_id", sessionID, "error", err)
	}
	h.Metrics.RecordSessionEnd(status, time.Since(start))
}

func (h VoiceHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

type errorResp struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]errorResp{"error": {Code: code, Message: message}})
}
