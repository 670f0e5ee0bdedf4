// Package session runs one live voice conversation: it owns the select loop
// that reconciles client frames, upstream speech-model events, lookup
// results, and timers into a single ordered outbound stream.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-relay/pkg/relay/classify"
	"github.com/vango-go/voice-relay/pkg/relay/live/protocol"
	"github.com/vango-go/voice-relay/pkg/relay/lookup"
	"github.com/vango-go/voice-relay/pkg/relay/prompt"
	"github.com/vango-go/voice-relay/pkg/relay/registry"
	"github.com/vango-go/voice-relay/pkg/relay/store"
	"github.com/vango-go/voice-relay/pkg/relay/transcript"
	"github.com/vango-go/voice-relay/pkg/relay/upstream"
)

type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Config struct {
	MaxMessageBytes       int64
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	PingInterval          time.Duration
	OverrideWait          time.Duration
	DisconnectGrace       time.Duration
	CommandTimeout        time.Duration
	OutboundQueueSize     int
	MaxProtocolViolations int
}

// Hooks are optional observation points, wired to metrics by the server.
type Hooks struct {
	OverrideApplied     func(path string)
	DuplicateSuppressed func()
	AudioForwarded      func(bytes int)
}

type Dependencies struct {
	Conn      wsConn
	Logger    *slog.Logger
	Upstream  upstream.Channel
	Lookup    lookup.Service
	Classify  classify.Func
	Customers store.Store
	Registry  *registry.Registry
	SessionID string
	Config    Config
	Hooks     Hooks
}

type Session struct {
	conn      wsConn
	logger    *slog.Logger
	upstream  upstream.Channel
	lookup    lookup.Service
	classify  classify.Func
	customers store.Store
	registry  *registry.Registry
	sessionID string
	cfg       Config
	hooks     Hooks

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan []byte
	outboundNormal   chan []byte
	writerDone       chan struct{}

	transcript *transcript.Store

	terminateOnce sync.Once
}

type inboundFrame struct {
	data []byte
	err  error
}

type lookupResult struct {
	seq    int64
	answer lookup.Answer
	err    error
}

var phonePattern = regexp.MustCompile(`\b\d{10}\b`)

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream channel is required")
	}
	if deps.Lookup == nil {
		return nil, fmt.Errorf("lookup service is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Classify == nil {
		deps.Classify = classify.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OverrideWait <= 0 {
		deps.Config.OverrideWait = 300 * time.Millisecond
	}
	if deps.Config.DisconnectGrace <= 0 {
		deps.Config.DisconnectGrace = 3 * time.Second
	}
	if deps.Config.CommandTimeout <= 0 {
		deps.Config.CommandTimeout = 5 * time.Second
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.MaxProtocolViolations <= 0 {
		deps.Config.MaxProtocolViolations = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID),
		upstream:         deps.Upstream,
		lookup:           deps.Lookup,
		classify:         deps.Classify,
		customers:        deps.Customers,
		registry:         deps.Registry,
		sessionID:        deps.SessionID,
		cfg:              deps.Config,
		hooks:            deps.Hooks,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan []byte, 8),
		outboundNormal:   make(chan []byte, deps.Config.OutboundQueueSize),
		writerDone:       make(chan struct{}),
		transcript:       transcript.New(),
	}, nil
}

// Transcript exposes the session's conversation log.
func (s *Session) Transcript() *transcript.Store { return s.transcript }

// Warn pushes a non-fatal error frame to the client.
func (s *Session) Warn(code, message string) error {
	return s.sendPriority(protocol.ServerError{Type: "error", Code: code, Message: message})
}

func (s *Session) Run() error {
	defer s.cancel()
	// The transcript is single-writer, owned by this goroutine; seal it here
	// rather than in Terminate, which may run on a reaper or drain goroutine.
	defer s.transcript.EndConversation()

	unregister := s.registry.Create(s.sessionID, registry.Handle{
		Terminate: s.Terminate,
		Warn:      s.Warn,
	})
	defer unregister()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	readCh := make(chan inboundFrame, 64)
	go s.readLoop(readCh)

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		err := w.Run()
		close(s.writerDone)
		writerErrCh <- err
		close(writerErrCh)
	}()

	lookupCh := make(chan lookupResult, 8)

	var wg sync.WaitGroup
	defer wg.Wait()

	var (
		violations    int
		capturing     bool
		utterSeq      int64
		timerFired    bool
		overrideTimer *time.Timer
		timerActive   bool
	)

	stopTimer := func() {
		if overrideTimer == nil {
			return
		}
		if !overrideTimer.Stop() {
			select {
			case <-overrideTimer.C:
			default:
			}
		}
		timerActive = false
	}
	resetTimer := func(d time.Duration) {
		if overrideTimer == nil {
			overrideTimer = time.NewTimer(d)
			timerActive = true
			return
		}
		if !overrideTimer.Stop() {
			select {
			case <-overrideTimer.C:
			default:
			}
		}
		overrideTimer.Reset(d)
		timerActive = true
	}
	timerCh := func() <-chan time.Time {
		if !timerActive || overrideTimer == nil {
			return nil
		}
		return overrideTimer.C
	}
	defer func() {
		if overrideTimer != nil {
			overrideTimer.Stop()
		}
	}()

	// emitOverride applies the pending override's display leg at most once.
	emitOverride := func(path string) error {
		ov, ok := s.registry.ClaimDisplay(s.sessionID)
		if !ok {
			return nil
		}
		if _, appended := s.transcript.Append(transcript.RoleAssistant, ov.Text, transcript.Flags{
			IsAuthoritative: true,
			Category:        ov.Category,
		}); !appended {
			return nil
		}
		if s.hooks.OverrideApplied != nil {
			s.hooks.OverrideApplied(path)
		}
		return s.send(protocol.ServerTextOutput{
			Type:            "text_output",
			Role:            "assistant",
			Text:            ov.Text,
			IsAuthoritative: true,
			Category:        ov.Category,
		})
	}

	// violation reports a protocol error; the third strike ends the session.
	violation := func(code, message string) (fatal bool, err error) {
		violations++
		fatal = violations >= s.cfg.MaxProtocolViolations
		if sendErr := s.sendPriority(protocol.ServerError{
			Type: "error", Code: code, Message: message, Close: fatal,
		}); sendErr != nil {
			return true, sendErr
		}
		return fatal, nil
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil

		case err := <-writerErrCh:
			if s.ctx.Err() != nil {
				return nil
			}
			if err != nil {
				s.logger.Warn("outbound writer failed", "error", err)
			}
			s.shutdownOnDisconnect()
			return err

		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				s.shutdownOnDisconnect()
				return nil
			}
			if s.cfg.ReadTimeout > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			}
			s.registry.Touch(s.sessionID)

			msg, decErr := protocol.DecodeClientMessage(frame.data)
			if decErr != nil {
				code := "bad_request"
				var de *protocol.DecodeError
				if errors.As(decErr, &de) {
					code = de.Code
				}
				fatal, err := violation(code, decErr.Error())
				if err != nil {
					return err
				}
				if fatal {
					s.Terminate()
					return nil
				}
				continue
			}

			switch m := msg.(type) {
			case protocol.ClientConfigurePrompt:
				if err := s.registry.Advance(s.sessionID, registry.PhasePromptConfigured); err != nil {
					fatal, verr := violation("bad_phase", "configure_prompt not legal now")
					if verr != nil {
						return verr
					}
					if fatal {
						s.Terminate()
						return nil
					}
					continue
				}
				if err := s.configurePrompt(); err != nil {
					s.logger.Error("configure prompt failed", "error", err)
					_ = s.sendPriority(protocol.ServerError{Type: "error", Code: "upstream_error", Message: "failed to configure prompt", Close: true})
					s.Terminate()
					return err
				}

			case protocol.ClientSetSystemContext:
				if phase, _ := s.registry.Phase(s.sessionID); phase != registry.PhasePromptConfigured {
					fatal, verr := violation("bad_phase", "set_system_context requires a configured prompt")
					if verr != nil {
						return verr
					}
					if fatal {
						s.Terminate()
						return nil
					}
					continue
				}
				if err := s.command(s.upstream.SetSystemContext, m.Text); err != nil {
					s.logger.Error("set system context failed", "error", err)
					_ = s.Warn("upstream_error", "failed to set system context")
				}

			case protocol.ClientStartAudio:
				if err := s.registry.Advance(s.sessionID, registry.PhaseAudioActive); err != nil {
					fatal, verr := violation("bad_phase", "start_audio requires a configured prompt")
					if verr != nil {
						return verr
					}
					if fatal {
						s.Terminate()
						return nil
					}
					continue
				}
				if err := s.commandNoArg(s.upstream.StartAudio); err != nil {
					s.logger.Error("start audio failed", "error", err)
					_ = s.sendPriority(protocol.ServerError{Type: "error", Code: "upstream_error", Message: "failed to start audio", Close: true})
					s.Terminate()
					return err
				}
				capturing = true

			case protocol.ClientAudioChunk:
				if phase, _ := s.registry.Phase(s.sessionID); phase != registry.PhaseAudioActive {
					fatal, verr := violation("bad_phase", "audio_chunk requires start_audio")
					if verr != nil {
						return verr
					}
					if fatal {
						s.Terminate()
						return nil
					}
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(m.DataB64)
				if err != nil {
					fatal, verr := violation("bad_request", "invalid audio_chunk.data_b64")
					if verr != nil {
						return verr
					}
					if fatal {
						s.Terminate()
						return nil
					}
					continue
				}
				if err := s.sendAudioChunk(pcm); err != nil {
					s.logger.Error("forward audio failed", "error", err)
					_ = s.Warn("upstream_error", "failed to forward audio")
				}

			case protocol.ClientStopAudio:
				capturing = false
				return s.finishGracefully()

			case protocol.ClientSetIdentityKey:
				s.registry.SetIdentity(s.sessionID, m.Key, true)
			}

		case ev, ok := <-s.upstream.Events():
			if !ok {
				// Upstream ended on its own; report completion and clean up.
				_ = s.sendPriority(protocol.ServerStreamComplete{Type: "stream_complete"})
				s.Terminate()
				return nil
			}
			s.registry.Touch(s.sessionID)

			switch ev.Type {
			case upstream.EventContentStart:
				if ev.Role == upstream.RoleUser {
					// A new user block starts a new turn; stale override
					// state from the previous one must not carry over.
					s.registry.ClearPendingOverride(s.sessionID)
					utterSeq++
					timerFired = false
					stopTimer()
				}
				if err := s.send(protocol.ServerContentStart{
					Type:     "content_start",
					Role:     strings.ToLower(string(ev.Role)),
					Modality: strings.ToLower(string(ev.Modality)),
				}); err != nil {
					return err
				}
				if ev.Modality == upstream.ModalityAudio && capturing {
					if err := s.send(protocol.ServerListening{Type: "listening"}); err != nil {
						return err
					}
				}

			case upstream.EventTextOutput:
				if ev.Role == upstream.RoleUser {
					s.registry.ClearPendingOverride(s.sessionID)
					utterSeq++
					timerFired = false
					stopTimer()

					res := s.onUserText(ev.Content, utterSeq, lookupCh, &wg)
					if res.IsFactQuery {
						resetTimer(s.cfg.OverrideWait)
					}
					if err := s.send(protocol.ServerTextOutput{
						Type: "text_output",
						Role: "user",
						Text: ev.Content,
					}); err != nil {
						return err
					}
					continue
				}

				// Assistant text. A pending fact-query override wins over the
				// model's own wording; otherwise the model text goes out
				// trimmed to its first two sentences.
				if ov, pending := s.registry.PendingOverride(s.sessionID); pending && ov.IsFactQuery {
					if ov.AppliedToDisplay {
						if s.hooks.DuplicateSuppressed != nil {
							s.hooks.DuplicateSuppressed()
						}
						continue
					}
					if err := emitOverride("event"); err != nil {
						return err
					}
					continue
				}
				if ev.Speculative() {
					continue
				}
				text := truncateSentences(ev.Content, 2)
				if _, appended := s.transcript.Append(transcript.RoleAssistant, text, transcript.Flags{}); !appended {
					if s.hooks.DuplicateSuppressed != nil {
						s.hooks.DuplicateSuppressed()
					}
					continue
				}
				if err := s.send(protocol.ServerTextOutput{
					Type: "text_output",
					Role: "assistant",
					Text: text,
				}); err != nil {
					return err
				}

			case upstream.EventAudioOutput:
				if ov, claimed := s.registry.ClaimAudio(s.sessionID); claimed {
					// Withhold the model's first audio block and ask the
					// client to synthesize the authoritative text instead.
					if err := s.send(protocol.ServerTextOutput{
						Type:            "text_output",
						Role:            "assistant",
						Text:            ov.Text,
						IsAuthoritative: true,
						Category:        ov.Category,
						SuppressDisplay: true,
					}); err != nil {
						return err
					}
					continue
				}
				if s.hooks.AudioForwarded != nil {
					if raw, err := base64.StdEncoding.DecodeString(ev.Content); err == nil {
						s.hooks.AudioForwarded(len(raw))
					}
				}
				if err := s.send(protocol.ServerAudioOutput{Type: "audio_output", DataB64: ev.Content}); err != nil {
					return err
				}

			case upstream.EventContentEnd:
				if ev.StopReason == upstream.StopEndOfTurn {
					// A fact-query answer must reach the display at least once
					// per turn, even if the model never produced text.
					if err := emitOverride("turn_end"); err != nil {
						return err
					}
				}
				if err := s.send(protocol.ServerContentEnd{Type: "content_end", StopReason: ev.StopReason}); err != nil {
					return err
				}
				switch ev.StopReason {
				case upstream.StopEndOfTurn:
					s.transcript.CloseTurn()
					s.registry.ClearPendingOverride(s.sessionID)
					// Invalidate any lookup still in flight; its answer
					// belongs to the turn that just closed.
					utterSeq++
					stopTimer()
					timerFired = false
				case upstream.StopInterrupted:
					if err := s.send(protocol.ServerPlaybackCancel{Type: "playback_cancel"}); err != nil {
						return err
					}
				}

			case upstream.EventToolUse:
				if err := s.send(protocol.ServerToolUse{Type: "tool_use", ToolName: ev.ToolName, ToolUseID: ev.ToolUseID}); err != nil {
					return err
				}

			case upstream.EventToolResult:
				if err := s.send(protocol.ServerToolResult{Type: "tool_result", ToolUseID: ev.ToolUseID, Content: ev.ToolContent}); err != nil {
					return err
				}

			case upstream.EventStreamComplete:
				_ = s.sendPriority(protocol.ServerStreamComplete{Type: "stream_complete"})
				s.Terminate()
				return nil

			case upstream.EventError:
				s.logger.Error("upstream error", "error", ev.ErrorMessage)
				_ = s.sendPriority(protocol.ServerError{Type: "error", Code: "upstream_error", Message: ev.ErrorMessage, Close: true})
				s.Terminate()
				return nil
			}

		case r := <-lookupCh:
			if r.seq != utterSeq {
				continue // answer for a superseded utterance
			}
			if r.err != nil {
				s.logger.Error("lookup failed", "error", r.err)
				continue
			}
			s.registry.SetPendingOverride(s.sessionID, registry.Override{
				Text:        r.answer.Text,
				Category:    r.answer.Category,
				IsFactQuery: r.answer.IsFactQuery,
			})
			if r.answer.IsFactQuery && timerFired {
				// The bounded wait already expired; emit immediately.
				if err := emitOverride("timer"); err != nil {
					return err
				}
			}

		case <-timerCh():
			timerActive = false
			timerFired = true
			if err := emitOverride("timer"); err != nil {
				return err
			}
		}
	}
}

// onUserText records a user utterance and kicks off its authoritative lookup.
func (s *Session) onUserText(text string, seq int64, out chan<- lookupResult, wg *sync.WaitGroup) classify.Result {
	s.transcript.Append(transcript.RoleUser, text, transcript.Flags{})

	if key := phonePattern.FindString(text); key != "" {
		s.registry.SetIdentity(s.sessionID, key, false)
	}

	res := s.classify(text)
	identityKey := s.registry.IdentityKey(s.sessionID)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CommandTimeout)
		defer cancel()
		answer, err := s.lookup.Query(ctx, text, identityKey)
		select {
		case out <- lookupResult{seq: seq, answer: answer, err: err}:
		case <-s.ctx.Done():
		}
	}()
	return res
}

func (s *Session) configurePrompt() error {
	var customer *store.Customer
	if key := s.registry.IdentityKey(s.sessionID); key != "" && s.customers != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CommandTimeout)
		c, err := s.customers.LookupByKey(ctx, key)
		cancel()
		if err == nil {
			customer = &c
		} else if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("customer lookup for prompt failed", "error", err)
		}
	}
	return s.command(s.upstream.ConfigurePrompt, prompt.System(customer))
}

func (s *Session) command(fn func(context.Context, string) error, arg string) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CommandTimeout)
	defer cancel()
	return fn(ctx, arg)
}

func (s *Session) commandNoArg(fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CommandTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Session) sendAudioChunk(pcm []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CommandTimeout)
	defer cancel()
	return s.upstream.SendAudio(ctx, pcm)
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case out <- inboundFrame{data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundNormal <- data:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Session) sendPriority(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundPriority <- data:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

var sentenceEnd = regexp.MustCompile(`[.!?]`)

// truncateSentences keeps at most n sentences of text. Short answers pass
// through untouched.
func truncateSentences(text string, n int) string {
	trimmed := strings.TrimSpace(text)
	ends := sentenceEnd.FindAllStringIndex(trimmed, -1)
	if len(ends) <= n {
		return trimmed
	}
	return strings.TrimSpace(trimmed[:ends[n-1][1]])
}
