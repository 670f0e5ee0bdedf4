package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Inbound frames.

type ClientConfigurePrompt struct {
	Type string `json:"type"`
}

type ClientSetSystemContext struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientStartAudio struct {
	Type string `json:"type"`
}

type ClientAudioChunk struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ClientStopAudio struct {
	Type string `json:"type"`
}

type ClientSetIdentityKey struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// DecodeClientMessage decodes one inbound frame, strictly: unknown types and
// missing required fields are coded errors the session reports back to the
// client.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "configure_prompt":
		var msg ClientConfigurePrompt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid configure_prompt", "")
		}
		return msg, nil
	case "set_system_context":
		var msg ClientSetSystemContext
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid set_system_context", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("set_system_context.text is required", "text")
		}
		return msg, nil
	case "start_audio":
		var msg ClientStartAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_audio", "")
		}
		return msg, nil
	case "audio_chunk":
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_chunk.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "stop_audio":
		var msg ClientStopAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop_audio", "")
		}
		return msg, nil
	case "set_identity_key":
		var msg ClientSetIdentityKey
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid set_identity_key", "")
		}
		key := strings.TrimSpace(msg.Key)
		if key == "" {
			return nil, badRequest("set_identity_key.key is required", "key")
		}
		if len(key) != 10 || strings.Trim(key, "0123456789") != "" {
			return nil, badRequest("set_identity_key.key must be a 10-digit number", "key")
		}
		msg.Key = key
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Outbound frames.

type ServerContentStart struct {
	Type     string `json:"type"`
	Role     string `json:"role"`
	Modality string `json:"modality"`
}

type ServerTextOutput struct {
	Type            string `json:"type"`
	Role            string `json:"role"`
	Text            string `json:"text"`
	IsAuthoritative bool   `json:"is_authoritative,omitempty"`
	Category        string `json:"category,omitempty"`
	SuppressDisplay bool   `json:"suppress_display,omitempty"`
}

type ServerAudioOutput struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ServerContentEnd struct {
	Type       string `json:"type"`
	StopReason string `json:"stop_reason,omitempty"`
}

type ServerToolUse struct {
	Type      string `json:"type"`
	ToolName  string `json:"tool_name"`
	ToolUseID string `json:"tool_use_id,omitempty"`
}

type ServerToolResult struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content"`
}

type ServerStreamComplete struct {
	Type string `json:"type"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

type ServerListening struct {
	Type string `json:"type"`
}

type ServerPlaybackCancel struct {
	Type string `json:"type"`
}
