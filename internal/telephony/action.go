package telephony

import "time"

// Action is a vendor-agnostic call-control instruction produced by the engine.
// Adapters translate actions to TwiML or REST commands only at the boundary.
type Action struct {
	Type ActionType `json:"type"`

	// Prompt is an audio URL; Text is spoken with the vendor's TTS when Prompt is empty.
	Prompt   string `json:"prompt,omitempty"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`

	// Gather parameters.
	MaxDigits   int           `json:"max_digits,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	FinishOnKey string        `json:"finish_on_key,omitempty"`
	Speech      bool          `json:"speech,omitempty"`

	// Target is a dial target for transfer: E.164 number or sip: URI.
	Target string `json:"target,omitempty"`

	// MaxLength bounds a voicemail recording.
	MaxLength time.Duration `json:"max_length,omitempty"`

	Reason string            `json:"reason,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

type ActionType string

const (
	ActionPlay     ActionType = "play"
	ActionGather   ActionType = "gather"
	ActionTransfer ActionType = "transfer"
	ActionRecord   ActionType = "record"
	ActionHangup   ActionType = "hangup"
)

// Terminal reports whether the action ends the engine's control of the call.
func (a Action) Terminal() bool {
	switch a.Type {
	case ActionTransfer, ActionHangup, ActionRecord:
		return true
	default:
		return false
	}
}
