package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelClosed is returned by commands issued after Close or ForceClose.
var ErrChannelClosed = errors.New("upstream channel closed")

// MockChannel is a scriptable in-memory Channel. Tests (and the dev backend)
// preload events with Emit and inspect the command log afterwards.
type MockChannel struct {
	mu       sync.Mutex
	events   chan Event
	closed   bool
	commands []string

	// Fail, when set, makes the named command return an error.
	Fail map[string]error
}

func NewMockChannel() *MockChannel {
	return &MockChannel{events: make(chan Event, 64)}
}

func (m *MockChannel) Events() <-chan Event { return m.events }

// Emit queues an event for the session loop. It is a no-op after close, and
// it never blocks: the send must not hold the mutex hostage against a
// concurrent ForceClose, so a full buffer drops the event instead.
func (m *MockChannel) Emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

// Commands returns the ordered command names issued so far.
func (m *MockChannel) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.commands))
	copy(out, m.commands)
	return out
}

func (m *MockChannel) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockChannel) record(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelClosed
	}
	if err := m.Fail[name]; err != nil {
		return err
	}
	m.commands = append(m.commands, name)
	return nil
}

func (m *MockChannel) ConfigurePrompt(ctx context.Context, systemPrompt string) error {
	return m.record("configurePrompt")
}

func (m *MockChannel) SetSystemContext(ctx context.Context, text string) error {
	return m.record("setSystemContext")
}

func (m *MockChannel) StartAudio(ctx context.Context) error {
	return m.record("startAudio")
}

func (m *MockChannel) SendAudio(ctx context.Context, pcm []byte) error {
	return m.record("audioChunk")
}

func (m *MockChannel) EndAudioContent(ctx context.Context) error {
	return m.record("endAudioContent")
}

func (m *MockChannel) EndPrompt(ctx context.Context) error {
	return m.record("endPrompt")
}

func (m *MockChannel) Close(ctx context.Context) error {
	if err := m.record("close"); err != nil {
		return err
	}
	m.ForceClose()
	return nil
}

func (m *MockChannel) ForceClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.events)
}

// MockFactory opens a fresh MockChannel per session. Last retains the most
// recently opened channel for inspection.
type MockFactory struct {
	mu   sync.Mutex
	last *MockChannel
}

func (f *MockFactory) Open(ctx context.Context, backend string) (Channel, error) {
	if backend != "mock" {
		return nil, fmt.Errorf("unknown upstream backend %q", backend)
	}
	ch := NewMockChannel()
	f.mu.Lock()
	f.last = ch
	f.mu.Unlock()
	return ch, nil
}

func (f *MockFactory) Last() *MockChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
