// Package upstream defines the contract for the bidirectional speech-model
// streaming channel a live session talks to. The relay never touches the
// model transport directly; everything goes through a Channel.
package upstream

import "context"

// EventType enumerates the upstream events the reconciler handles.
type EventType string

const (
	EventContentStart   EventType = "contentStart"
	EventTextOutput     EventType = "textOutput"
	EventAudioOutput    EventType = "audioOutput"
	EventContentEnd     EventType = "contentEnd"
	EventToolUse        EventType = "toolUse"
	EventToolResult     EventType = "toolResult"
	EventStreamComplete EventType = "streamComplete"
	EventError          EventType = "error"
)

// Stop reasons reported on contentEnd.
const (
	StopEndOfTurn    = "END_TURN"
	StopInterrupted  = "INTERRUPTED"
	StopPartialTurn  = "PARTIAL_TURN"
)

type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

type Modality string

const (
	ModalityText  Modality = "TEXT"
	ModalityAudio Modality = "AUDIO"
)

// Event is one upstream occurrence, already decoded from the transport's wire
// form. Content carries text for textOutput and base64 PCM16 for audioOutput.
// AdditionalFields carries transport metadata verbatim; the reconciler only
// inspects the generation stage flag.
type Event struct {
	Type             EventType
	Role             Role
	Modality         Modality
	Content          string
	StopReason       string
	ToolName         string
	ToolUseID        string
	ToolContent      string
	ErrorMessage     string
	AdditionalFields map[string]any
}

// Speculative reports whether the event belongs to the model's speculative
// generation stage, before the audio-aligned final pass.
func (e Event) Speculative() bool {
	if e.AdditionalFields == nil {
		return false
	}
	stage, _ := e.AdditionalFields["generationStage"].(string)
	return stage == "SPECULATIVE"
}

// Channel is a live bidirectional stream to the speech model. Commands are
// ordered; implementations must reject commands after Close. Events delivers
// upstream traffic until the channel ends, then is closed.
//
// ForceClose tears the channel down without the graceful command sequence and
// must be idempotent and safe to call concurrently with anything else.
type Channel interface {
	Events() <-chan Event

	ConfigurePrompt(ctx context.Context, systemPrompt string) error
	SetSystemContext(ctx context.Context, text string) error
	StartAudio(ctx context.Context) error
	SendAudio(ctx context.Context, pcm []byte) error
	EndAudioContent(ctx context.Context) error
	EndPrompt(ctx context.Context) error
	Close(ctx context.Context) error

	ForceClose()
}

// Factory opens channels by backend name. The relay ships only the mock
// backend; real transports register by wrapping the factory.
type Factory interface {
	Open(ctx context.Context, backend string) (Channel, error)
}
