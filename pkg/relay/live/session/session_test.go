package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-relay/pkg/relay/lookup"
	"github.com/vango-go/voice-relay/pkg/relay/registry"
	"github.com/vango-go/voice-relay/pkg/relay/store"
	"github.com/vango-go/voice-relay/pkg/relay/transcript"
	"github.com/vango-go/voice-relay/pkg/relay/upstream"
)

type fakeConn struct {
	inbound chan []byte
	frames  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		frames:  make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return 0, nil, errors.New("client went away")
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.frames <- cp:
	default:
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) clientSend(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.inbound <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("clientSend blocked")
	}
}

func (c *fakeConn) clientDisconnect() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// awaitType drains outbound frames until one of the wanted type arrives.
func (c *fakeConn) awaitType(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.frames:
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("bad outbound frame %q: %v", data, err)
			}
			if m["type"] == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", typ)
			return nil
		}
	}
}

type fakeLookup struct {
	mu      sync.Mutex
	answers map[string]lookup.Answer
	gate    chan struct{}
	calls   int
}

func (f *fakeLookup) Query(ctx context.Context, text, key string) (lookup.Answer, error) {
	f.mu.Lock()
	gate := f.gate
	f.calls++
	ans, ok := f.answers[text]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return lookup.Answer{}, ctx.Err()
		}
	}
	if !ok {
		return lookup.Answer{Text: "general answer", Category: "general_banking"}, nil
	}
	return ans, nil
}

func (f *fakeLookup) callsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLookup) setAnswer(text string, ans lookup.Answer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answers == nil {
		f.answers = map[string]lookup.Answer{}
	}
	f.answers[text] = ans
}

type harness struct {
	conn *fakeConn
	up   *upstream.MockChannel
	reg  *registry.Registry
	look *fakeLookup
	sess *Session

	done   chan struct{}
	runErr error

	overridePaths chan string
	dupes         chan struct{}
}

func newHarness(t *testing.T, cfg Config, look *fakeLookup) *harness {
	t.Helper()
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Hour
	}
	if cfg.OverrideWait == 0 {
		cfg.OverrideWait = 5 * time.Second
	}
	if cfg.DisconnectGrace == 0 {
		cfg.DisconnectGrace = 500 * time.Millisecond
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = time.Second
	}
	if look == nil {
		look = &fakeLookup{}
	}

	h := &harness{
		conn:          newFakeConn(),
		up:            upstream.NewMockChannel(),
		reg:           registry.New(),
		look:          look,
		done:          make(chan struct{}),
		overridePaths: make(chan string, 16),
		dupes:         make(chan struct{}, 16),
	}

	sess, err := New(Dependencies{
		Conn:      h.conn,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Upstream:  h.up,
		Lookup:    h.look,
		Customers: store.NewMemorySeeded(),
		Registry:  h.reg,
		SessionID: "sess-test",
		Config:    cfg,
		Hooks: Hooks{
			OverrideApplied:     func(path string) { h.overridePaths <- path },
			DuplicateSuppressed: func() { h.dupes <- struct{}{} },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.sess = sess

	go func() {
		h.runErr = sess.Run()
		close(h.done)
	}()
	t.Cleanup(func() {
		sess.Terminate()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return h
}

func (h *harness) handshake(t *testing.T) {
	t.Helper()
	h.conn.clientSend(t, `{"type":"configure_prompt"}`)
	h.conn.clientSend(t, `{"type":"start_audio"}`)
	waitFor(t, func() bool {
		for _, c := range h.up.Commands() {
			if c == "startAudio" {
				return true
			}
		}
		return false
	}, "upstream never saw startAudio")
}

func (h *harness) awaitDone(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.runErr
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

const ageQuestion = "what is the minimum age to apply for a loan"

func ageAnswer() lookup.Answer {
	return lookup.Answer{
		Text:        "The minimum age requirement to apply for a loan is 21 years.",
		Category:    "age_requirement",
		IsFactQuery: true,
	}
}

func TestFactQueryOverridesModelText(t *testing.T) {
	look := &fakeLookup{answers: map[string]lookup.Answer{ageQuestion: ageAnswer()}}
	h := newHarness(t, Config{}, look)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser, Content: ageQuestion})
	h.conn.awaitType(t, "text_output") // user echo

	waitFor(t, func() bool {
		_, ok := h.reg.PendingOverride("sess-test")
		return ok
	}, "override never became pending")

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleAssistant,
		Content: "You must be at least eighteen years old to apply."})

	frame := h.conn.awaitType(t, "text_output")
	if frame["is_authoritative"] != true {
		t.Fatalf("expected authoritative override, got %v", frame)
	}
	if frame["text"] != ageAnswer().Text {
		t.Fatalf("override text = %v", frame["text"])
	}
	if frame["category"] != "age_requirement" {
		t.Fatalf("override category = %v", frame["category"])
	}

	select {
	case path := <-h.overridePaths:
		if path != "event" {
			t.Fatalf("override path = %s, want event", path)
		}
	case <-time.After(time.Second):
		t.Fatal("override hook never fired")
	}

	// The model's own wording must not reach the transcript.
	for _, m := range h.sess.Transcript().Messages() {
		if m.Role == transcript.RoleAssistant && m.Text != ageAnswer().Text {
			t.Fatalf("model text leaked into transcript: %q", m.Text)
		}
	}
}

func TestOverrideAppliedExactlyOncePerTurn(t *testing.T) {
	look := &fakeLookup{answers: map[string]lookup.Answer{ageQuestion: ageAnswer()}}
	h := newHarness(t, Config{}, look)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser, Content: ageQuestion})
	waitFor(t, func() bool {
		_, ok := h.reg.PendingOverride("sess-test")
		return ok
	}, "override never became pending")

	// The model repeats itself three times, then the turn ends, which also
	// tries to force-emit. Exactly one display application must survive.
	for i := 0; i < 3; i++ {
		h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleAssistant, Content: "The age is eighteen."})
	}
	h.up.Emit(upstream.Event{Type: upstream.EventContentEnd, StopReason: upstream.StopEndOfTurn})
	h.conn.awaitType(t, "content_end")

	overrides := 0
	for _, m := range h.sess.Transcript().Messages() {
		if m.Flags.IsAuthoritative {
			overrides++
		}
	}
	if overrides != 1 {
		t.Fatalf("authoritative transcript messages = %d, want 1", overrides)
	}

	dupes := 0
drain:
	for {
		select {
		case <-h.dupes:
			dupes++
		default:
			break drain
		}
	}
	if dupes != 2 {
		t.Fatalf("suppressed duplicates = %d, want 2", dupes)
	}
}

func TestAudioWithheldOnceThenFlows(t *testing.T) {
	look := &fakeLookup{answers: map[string]lookup.Answer{ageQuestion: ageAnswer()}}
	h := newHarness(t, Config{}, look)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser, Content: ageQuestion})
	waitFor(t, func() bool {
		_, ok := h.reg.PendingOverride("sess-test")
		return ok
	}, "override never became pending")

	chunk := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	h.up.Emit(upstream.Event{Type: upstream.EventAudioOutput, Content: chunk})

	synth := h.conn.awaitType(t, "text_output")
	for synth["suppress_display"] != true {
		synth = h.conn.awaitType(t, "text_output")
	}
	if synth["text"] != ageAnswer().Text || synth["is_authoritative"] != true {
		t.Fatalf("synthesis frame = %v", synth)
	}

	// Later chunks pass through.
	h.up.Emit(upstream.Event{Type: upstream.EventAudioOutput, Content: chunk})
	audio := h.conn.awaitType(t, "audio_output")
	if audio["data_b64"] != chunk {
		t.Fatalf("audio frame = %v", audio)
	}

	// The display leg is still available, exactly once.
	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleAssistant, Content: "Some model wording."})
	disp := h.conn.awaitType(t, "text_output")
	if disp["is_authoritative"] != true || disp["suppress_display"] == true {
		t.Fatalf("display frame = %v", disp)
	}
}

func TestTimerForcesOverrideWithoutModelText(t *testing.T) {
	gate := make(chan struct{})
	look := &fakeLookup{
		answers: map[string]lookup.Answer{ageQuestion: ageAnswer()},
		gate:    gate,
	}
	h := newHarness(t, Config{OverrideWait: 20 * time.Millisecond}, look)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser, Content: ageQuestion})
	h.conn.awaitType(t, "text_output")

	// Let the bounded wait expire before the lookup completes.
	time.Sleep(60 * time.Millisecond)
	close(gate)

	frame := h.conn.awaitType(t, "text_output")
	if frame["is_authoritative"] != true {
		t.Fatalf("expected forced override, got %v", frame)
	}
	select {
	case path := <-h.overridePaths:
		if path != "timer" {
			t.Fatalf("override path = %s, want timer", path)
		}
	case <-time.After(time.Second):
		t.Fatal("override hook never fired")
	}
}

func TestConsecutiveFactTurnsSameCategory(t *testing.T) {
	question := "what is my credit score"
	look := &fakeLookup{}
	h := newHarness(t, Config{}, look)
	h.handshake(t)

	runTurn := func(answerText string) {
		look.setAnswer(question, lookup.Answer{Text: answerText, Category: "credit_score", IsFactQuery: true})

		h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser, Content: question})
		waitFor(t, func() bool {
			ov, ok := h.reg.PendingOverride("sess-test")
			return ok && ov.Text == answerText
		}, "override never became pending")
		h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleAssistant, Content: "model words"})
		h.up.Emit(upstream.Event{Type: upstream.EventContentEnd, StopReason: upstream.StopEndOfTurn})
		h.conn.awaitType(t, "content_end")
	}

	runTurn("Your credit score is 750.")
	runTurn("Your credit score is 770.")

	var scores []transcript.Message
	for _, m := range h.sess.Transcript().Messages() {
		if m.Flags.Category == "credit_score" {
			scores = append(scores, m)
		}
	}
	if len(scores) != 2 {
		t.Fatalf("credit_score answers = %d, want 2", len(scores))
	}
	if !scores[0].Flags.TurnEnded || !scores[1].Flags.TurnEnded {
		t.Fatal("turn boundaries not applied to both answers")
	}
	if scores[0].Text == scores[1].Text {
		t.Fatal("second turn did not carry the new answer")
	}
}

func TestGracefulStopSequence(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.handshake(t)

	h.conn.clientSend(t, `{"type":"stop_audio"}`)
	h.conn.awaitType(t, "stream_complete")

	if err := h.awaitDone(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	cmds := h.up.Commands()
	if len(cmds) < 3 {
		t.Fatalf("commands = %v", cmds)
	}
	tail := cmds[len(cmds)-3:]
	want := []string{"endAudioContent", "endPrompt", "close"}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("close sequence = %v, want %v", tail, want)
		}
	}
	if h.reg.Count() != 0 {
		t.Fatalf("registry count = %d after graceful stop", h.reg.Count())
	}
	if !h.sess.Transcript().Ended() {
		t.Fatal("transcript not sealed")
	}
}

func TestGracefulStopAbortsOnStepFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.up.Fail = map[string]error{"endPrompt": errors.New("stream torn")}
	h.handshake(t)

	h.conn.clientSend(t, `{"type":"stop_audio"}`)

	if err := h.awaitDone(t); err == nil {
		t.Fatal("Run swallowed the failed close step")
	}
	for _, c := range h.up.Commands() {
		if c == "close" {
			t.Fatal("close issued after endPrompt failed")
		}
	}
	if !h.up.Closed() {
		t.Fatal("upstream not force-closed after failed graceful stop")
	}
	if h.reg.Count() != 0 {
		t.Fatal("registry entry leaked")
	}
}

func TestDisconnectDuringLookup(t *testing.T) {
	gate := make(chan struct{})
	look := &fakeLookup{
		answers: map[string]lookup.Answer{ageQuestion: ageAnswer()},
		gate:    gate,
	}
	h := newHarness(t, Config{}, look)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser, Content: ageQuestion})
	h.conn.awaitType(t, "text_output")

	h.conn.clientDisconnect()
	h.awaitDone(t)
	close(gate)

	if !h.up.Closed() {
		t.Fatal("upstream left open after disconnect")
	}
	if h.reg.Count() != 0 {
		t.Fatalf("registry count = %d after disconnect", h.reg.Count())
	}
}

func TestTerminateIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.handshake(t)

	h.sess.Terminate()
	h.sess.Terminate()
	h.awaitDone(t)
	h.sess.Terminate() // after Run returned, still a no-op

	if h.reg.Count() != 0 {
		t.Fatalf("registry count = %d", h.reg.Count())
	}
	if !h.up.Closed() {
		t.Fatal("upstream left open")
	}
}

func TestProtocolViolationsCloseAfterThree(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	// audio before start_audio is a phase violation; three strikes.
	for i := 0; i < 3; i++ {
		h.conn.clientSend(t, `{"type":"audio_chunk","data_b64":"AAAA"}`)
	}

	closing := 0
	for i := 0; i < 3; i++ {
		frame := h.conn.awaitType(t, "error")
		if frame["close"] == true {
			closing++
		}
	}
	if closing != 1 {
		t.Fatalf("closing error frames = %d, want 1", closing)
	}
	h.awaitDone(t)
}

func TestSingleViolationKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.conn.clientSend(t, `{"type":"bogus"}`)
	frame := h.conn.awaitType(t, "error")
	if frame["close"] == true {
		t.Fatalf("first violation closed the session: %v", frame)
	}

	// The session still works.
	h.handshake(t)
}

func TestInterruptedTurnCancelsPlayback(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventContentEnd, StopReason: upstream.StopInterrupted})
	h.conn.awaitType(t, "playback_cancel")

	if h.sess.Transcript().Ended() {
		t.Fatal("barge-in must not end the conversation")
	}
}

func TestListeningIndicatorWhileCapturing(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventContentStart, Role: upstream.RoleAssistant, Modality: upstream.ModalityAudio})
	h.conn.awaitType(t, "listening")
}

func TestPhoneNumberSetsIdentity(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser,
		Content: "my number is 9876543210 thanks"})
	waitFor(t, func() bool {
		return h.reg.IdentityKey("sess-test") == "9876543210"
	}, "identity key never set from utterance")

	// A later utterance with another number must not clobber it.
	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser,
		Content: "or maybe 1111111111"})
	waitFor(t, func() bool {
		return h.look.callsCount() >= 2
	}, "second lookup never issued")
	if got := h.reg.IdentityKey("sess-test"); got != "9876543210" {
		t.Fatalf("identity key = %q", got)
	}
}

func TestSetIdentityKeyFrameForces(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser,
		Content: "reach me on 9876543210"})
	waitFor(t, func() bool {
		return h.reg.IdentityKey("sess-test") == "9876543210"
	}, "identity key never set from utterance")

	// The explicit frame overrides what was heard.
	h.conn.clientSend(t, `{"type":"set_identity_key","key":"9876543211"}`)
	waitFor(t, func() bool {
		return h.reg.IdentityKey("sess-test") == "9876543211"
	}, "explicit identity key not applied")
}

func TestModelTextTruncatedToTwoSentences(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleAssistant,
		Content: "First sentence. Second sentence. Third sentence. Fourth."})
	frame := h.conn.awaitType(t, "text_output")
	if frame["text"] != "First sentence. Second sentence." {
		t.Fatalf("truncated text = %v", frame["text"])
	}
}

func TestSpeculativeModelTextDropped(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.handshake(t)

	h.up.Emit(upstream.Event{
		Type: upstream.EventTextOutput, Role: upstream.RoleAssistant,
		Content:          "Guessing ahead.",
		AdditionalFields: map[string]any{"generationStage": "SPECULATIVE"},
	})
	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleAssistant,
		Content: "Final wording."})

	frame := h.conn.awaitType(t, "text_output")
	if frame["text"] != "Final wording." {
		t.Fatalf("speculative text leaked: %v", frame)
	}
}

func TestStaleLookupResultDiscarded(t *testing.T) {
	gate := make(chan struct{})
	look := &fakeLookup{
		answers: map[string]lookup.Answer{ageQuestion: ageAnswer()},
		gate:    gate,
	}
	h := newHarness(t, Config{}, look)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser, Content: ageQuestion})
	h.conn.awaitType(t, "text_output")

	// A second utterance supersedes the first before its lookup resolves.
	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser, Content: "hello there"})
	h.conn.awaitType(t, "text_output")
	close(gate)

	waitFor(t, func() bool {
		ov, ok := h.reg.PendingOverride("sess-test")
		return ok && !ov.IsFactQuery
	}, "latest lookup result never landed")
	if ov, _ := h.reg.PendingOverride("sess-test"); ov.IsFactQuery {
		t.Fatal("stale fact-query override survived a newer utterance")
	}
}

func TestLookupAfterTurnCloseDiscarded(t *testing.T) {
	gate := make(chan struct{})
	look := &fakeLookup{
		answers: map[string]lookup.Answer{ageQuestion: ageAnswer()},
		gate:    gate,
	}
	h := newHarness(t, Config{}, look)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser, Content: ageQuestion})
	h.conn.awaitType(t, "text_output")

	// The turn closes while the lookup is still in flight; its answer must
	// never reach a later turn.
	h.up.Emit(upstream.Event{Type: upstream.EventContentEnd, StopReason: upstream.StopEndOfTurn})
	h.conn.awaitType(t, "content_end")
	close(gate)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, ok := h.reg.PendingOverride("sess-test"); ok {
			t.Fatal("lookup from the closed turn installed as a pending override")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleAssistant, Content: "Next turn wording."})
	frame := h.conn.awaitType(t, "text_output")
	if frame["is_authoritative"] == true {
		t.Fatalf("stale answer applied to a later turn: %v", frame)
	}
	for _, m := range h.sess.Transcript().Messages() {
		if m.Flags.IsAuthoritative {
			t.Fatalf("stale answer reached the transcript: %q", m.Text)
		}
	}
}

func TestUserContentStartClearsStaleOverride(t *testing.T) {
	look := &fakeLookup{answers: map[string]lookup.Answer{ageQuestion: ageAnswer()}}
	h := newHarness(t, Config{}, look)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleUser, Content: ageQuestion})
	waitFor(t, func() bool {
		_, ok := h.reg.PendingOverride("sess-test")
		return ok
	}, "override never became pending")

	// A new user block begins before the override was ever applied.
	h.up.Emit(upstream.Event{Type: upstream.EventContentStart, Role: upstream.RoleUser, Modality: upstream.ModalityText})
	h.conn.awaitType(t, "content_start")

	waitFor(t, func() bool {
		_, ok := h.reg.PendingOverride("sess-test")
		return !ok
	}, "stale override survived the new user block")

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleAssistant, Content: "Fresh model answer."})
	frame := h.conn.awaitType(t, "text_output")
	if frame["is_authoritative"] == true {
		t.Fatalf("cleared override still applied: %v", frame)
	}
}

func TestExternalTerminateSealsTranscript(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventTextOutput, Role: upstream.RoleAssistant, Content: "Some answer."})
	h.conn.awaitType(t, "text_output")

	go h.sess.Terminate() // reaper-style, off the event loop
	h.awaitDone(t)

	if !h.sess.Transcript().Ended() {
		t.Fatal("transcript not sealed after external terminate")
	}
	if h.reg.Count() != 0 {
		t.Fatalf("registry count = %d", h.reg.Count())
	}
}

func TestUpstreamErrorClosesSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.handshake(t)

	h.up.Emit(upstream.Event{Type: upstream.EventError, ErrorMessage: "model stream reset"})
	frame := h.conn.awaitType(t, "error")
	if frame["close"] != true || frame["code"] != "upstream_error" {
		t.Fatalf("error frame = %v", frame)
	}
	h.awaitDone(t)
	if h.reg.Count() != 0 {
		t.Fatal("registry entry leaked after upstream error")
	}
}

func TestUpstreamChannelCloseCompletesStream(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.handshake(t)

	h.up.ForceClose()
	h.conn.awaitType(t, "stream_complete")
	h.awaitDone(t)
	if h.reg.Count() != 0 {
		t.Fatal("registry entry leaked after upstream close")
	}
}

func TestTruncateSentences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"One.", "One."},
		{"One. Two.", "One. Two."},
		{"One. Two. Three.", "One. Two."},
		{"No terminal punctuation at all", "No terminal punctuation at all"},
		{"Really? Yes! And more. Extra.", "Really? Yes!"},
	}
	for _, tc := range tests {
		if got := truncateSentences(tc.in, 2); got != tc.want {
			t.Errorf("truncateSentences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
