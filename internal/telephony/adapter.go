package telephony

import (
	"context"
	"time"

	"contact-center/internal/audio"
	"contact-center/internal/webhook"
)

// Adapter is the capability interface every telephony vendor implements.
//
// Rules:
// - No vendor SDK or wire format leaks outside the adapter.
// - Adapters never retry call-control requests; callers own the backoff policy.
// - Audio conversion state is per call and released with ReleaseCall.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	SetupCall(ctx context.Context, req SetupCallRequest) (callID string, err error)
	AnswerCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context, callID string) error

	// HandleWebhook normalizes a verified callback. A nil event means the
	// callback carries nothing the engine acts on.
	HandleWebhook(eventType string, payload []byte) (*Event, error)
	ValidateWebhook(signature string, req webhook.Request) bool

	ConvertAudioFromWire(callID string, c audio.Chunk) (audio.Chunk, error)
	ConvertAudioToWire(callID string, c audio.Chunk) (audio.Chunk, error)

	// Execute pushes actions to a live call through the vendor's call-control API.
	Execute(ctx context.Context, callID string, actions []Action) error
	// RenderReply builds the synchronous webhook response body for actions.
	RenderReply(actions []Action) (contentType string, body []byte, err error)

	ReleaseCall(callID string)
}

// Capabilities describe what differs between vendors behind the same interface.
type Capabilities struct {
	WireCodec      audio.Codec
	WireSampleRate int

	// SynchronousReplies means actions are delivered as the webhook response
	// body; otherwise they are pushed with Execute.
	SynchronousReplies bool

	// SignatureHeader names the HTTP header carrying the webhook signature.
	SignatureHeader string
}

// SetupCallRequest starts an outbound leg.
type SetupCallRequest struct {
	From    string
	To      string
	Timeout time.Duration
	// ClientState is echoed back by the vendor on every event for this call.
	ClientState string
}

// Event is the vendor-agnostic form of a call-control callback.
type Event struct {
	Vendor string    `json:"vendor"`
	Type   EventType `json:"type"`
	CallID string    `json:"call_id"`

	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Direction string `json:"direction,omitempty"`

	Digits     string  `json:"digits,omitempty"`
	Speech     string  `json:"speech,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	// Seq identifies the prompt an input or timeout answers; zero when unknown.
	Seq uint64 `json:"seq,omitempty"`

	Status      string `json:"status,omitempty"`
	HangupCause string `json:"hangup_cause,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

type EventType string

const (
	EventCallInitiated EventType = "call.initiated"
	EventCallAnswered  EventType = "call.answered"
	EventDTMF          EventType = "call.dtmf"
	EventSpeech        EventType = "call.speech"
	EventInputTimeout  EventType = "call.input_timeout"
	EventBridged       EventType = "call.bridged"
	EventCallEnded     EventType = "call.ended"
)
