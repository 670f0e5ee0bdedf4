package session

import (
	"context"
	"fmt"
	"time"

	"github.com/vango-go/voice-relay/pkg/relay/live/protocol"
	"github.com/vango-go/voice-relay/pkg/relay/registry"
)

// shutdownGraceful walks the upstream close sequence strictly in order. The
// first failing step aborts the sequence and is reported to the caller.
func (s *Session) shutdownGraceful(ctx context.Context) error {
	step := func(name string, fn func(context.Context) error) error {
		stepCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
	if err := step("end audio content", s.upstream.EndAudioContent); err != nil {
		return err
	}
	if err := step("end prompt", s.upstream.EndPrompt); err != nil {
		return err
	}
	return step("close", s.upstream.Close)
}

// finishGracefully handles a client-initiated stop: close the upstream in
// order, tell the client the stream is complete, and release everything.
func (s *Session) finishGracefully() error {
	_ = s.registry.Advance(s.sessionID, registry.PhaseClosing)

	if err := s.shutdownGraceful(context.Background()); err != nil {
		s.logger.Error("graceful close failed", "error", err)
		_ = s.sendPriority(protocol.ServerError{
			Type: "error", Code: "shutdown_error",
			Message: "failed to close the conversation cleanly", Close: true,
		})
		s.Terminate()
		return err
	}

	_ = s.registry.Advance(s.sessionID, registry.PhaseClosed)
	_ = s.sendPriority(protocol.ServerStreamComplete{Type: "stream_complete"})
	s.Terminate()
	return nil
}

// shutdownOnDisconnect races the graceful sequence against a short grace
// window; either way the session is force-terminated afterwards, which is
// idempotent against the graceful path having already closed everything.
func (s *Session) shutdownOnDisconnect() {
	_ = s.registry.Advance(s.sessionID, registry.PhaseClosing)

	done := make(chan error, 1)
	go func() { done <- s.shutdownGraceful(context.Background()) }()

	grace := time.NewTimer(s.cfg.DisconnectGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("graceful close after disconnect failed", "error", err)
		} else {
			_ = s.registry.Advance(s.sessionID, registry.PhaseClosed)
		}
	case <-grace.C:
		s.logger.Warn("graceful close timed out after disconnect")
	}
	s.Terminate()
}

// Terminate force-releases every session resource. Safe to call from any
// goroutine, any number of times: the reaper, process drain, and the
// session's own shutdown paths all funnel through here.
func (s *Session) Terminate() {
	s.terminateOnce.Do(func() {
		s.cancel()
		// Let the writer flush queued error/completion frames before the
		// connection goes away.
		select {
		case <-s.writerDone:
		case <-time.After(200 * time.Millisecond):
		}
		s.upstream.ForceClose()
		s.registry.Remove(s.sessionID)
		_ = s.conn.Close()
		s.logger.Info("session terminated")
	})
}
