package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"contact-center/internal/audio"
	"contact-center/internal/webhook"
)

const (
	VendorTelnyx = "telnyx"

	defaultTelnyxBaseURL = "https://api.telnyx.com/v2"
)

// TelnyxConfig configures the JSON-webhook vendor.
type TelnyxConfig struct {
	APIKey       string
	APIBaseURL   string
	ConnectionID string
	DefaultFrom  string

	// WireRate is the PCM rate negotiated for media; defaults to the internal rate.
	WireRate     int
	InternalRate int

	Verifier   *webhook.Ed25519Verifier
	HTTPClient *http.Client
	Now        func() time.Time
}

// TelnyxAdapter speaks PCM16, Ed25519 signed JSON callbacks and pushes every
// action through REST call-control commands.
type TelnyxAdapter struct {
	cfg        TelnyxConfig
	baseURL    string
	httpClient *http.Client
	codecs     *converterSet
}

func NewTelnyxAdapter(cfg TelnyxConfig) (*TelnyxAdapter, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("telephony: telnyx verifier required")
	}
	if cfg.InternalRate <= 0 {
		cfg.InternalRate = audio.DefaultInternalRate
	}
	if cfg.WireRate <= 0 {
		cfg.WireRate = cfg.InternalRate
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	base := cfg.APIBaseURL
	if base == "" {
		base = defaultTelnyxBaseURL
	}
	wire, internal := cfg.WireRate, cfg.InternalRate
	return &TelnyxAdapter{
		cfg:        cfg,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: hc,
		codecs: newConverterSet(func() audio.Converter {
			return audio.NewPCMConverter(wire, internal)
		}),
	}, nil
}

func (a *TelnyxAdapter) Name() string { return VendorTelnyx }

func (a *TelnyxAdapter) Capabilities() Capabilities {
	return Capabilities{
		WireCodec:       audio.CodecPCM16,
		WireSampleRate:  a.cfg.WireRate,
		SignatureHeader: "Telnyx-Signature-Ed25519",
	}
}

type telnyxEnvelope struct {
	Data struct {
		EventType  string        `json:"event_type"`
		ID         string        `json:"id"`
		OccurredAt string        `json:"occurred_at"`
		Payload    telnyxPayload `json:"payload"`
	} `json:"data"`
}

type telnyxPayload struct {
	CallControlID string `json:"call_control_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Direction     string `json:"direction"`
	State         string `json:"state"`
	Digit         string `json:"digit"`
	Digits        string `json:"digits"`
	Status        string `json:"status"`
	HangupCause   string `json:"hangup_cause"`
	ClientState   string `json:"client_state"`
	Transcription struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	} `json:"transcription_data"`
}

// HandleWebhook parses the JSON envelope; eventType is ignored because the
// event type travels inside the body.
func (a *TelnyxAdapter) HandleWebhook(_ string, payload []byte) (*Event, error) {
	var env telnyxEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("telephony: telnyx payload: %w", err)
	}
	p := env.Data.Payload
	if p.CallControlID == "" {
		return nil, errors.New("telephony: telnyx callback without call_control_id")
	}
	occurred := a.cfg.Now().UTC()
	if t, err := time.Parse(time.RFC3339Nano, env.Data.OccurredAt); err == nil {
		occurred = t.UTC()
	}
	ev := &Event{
		Vendor:     VendorTelnyx,
		CallID:     p.CallControlID,
		From:       p.From,
		To:         p.To,
		Direction:  p.Direction,
		Status:     p.State,
		OccurredAt: occurred,
	}

	switch env.Data.EventType {
	case "call.initiated":
		ev.Type = EventCallInitiated
	case "call.answered":
		ev.Type = EventCallAnswered
	case "call.dtmf.received":
		ev.Type = EventDTMF
		ev.Digits = p.Digit
	case "call.gather.ended":
		ev.Status = p.Status
		ev.Seq = decodeSeq(p.ClientState)
		if p.Digits == "" || p.Status == "timeout" {
			ev.Type = EventInputTimeout
		} else {
			ev.Type = EventDTMF
			ev.Digits = p.Digits
		}
	case "call.transcription":
		if p.Transcription.Transcript == "" {
			return nil, nil
		}
		ev.Type = EventSpeech
		ev.Speech = p.Transcription.Transcript
		ev.Confidence = p.Transcription.Confidence
	case "call.bridged":
		ev.Type = EventBridged
	case "call.hangup":
		ev.Type = EventCallEnded
		ev.HangupCause = p.HangupCause
	case "call.recording.saved":
		ev.Type = EventCallEnded
		ev.HangupCause = "voicemail"
	default:
		return nil, nil
	}
	return ev, nil
}

func (a *TelnyxAdapter) ValidateWebhook(signature string, req webhook.Request) bool {
	return a.cfg.Verifier.Verify(signature, req) == nil
}

func (a *TelnyxAdapter) ConvertAudioFromWire(callID string, c audio.Chunk) (audio.Chunk, error) {
	return a.codecs.get(callID).FromWire(c)
}

func (a *TelnyxAdapter) ConvertAudioToWire(callID string, c audio.Chunk) (audio.Chunk, error) {
	return a.codecs.get(callID).ToWire(c)
}

func (a *TelnyxAdapter) ReleaseCall(callID string) { a.codecs.release(callID) }

type telnyxDialRequest struct {
	ConnectionID string `json:"connection_id"`
	To           string `json:"to"`
	From         string `json:"from"`
	TimeoutSecs  int    `json:"timeout_secs,omitempty"`
	ClientState  string `json:"client_state,omitempty"`
}

type telnyxDialResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
	} `json:"data"`
}

func (a *TelnyxAdapter) SetupCall(ctx context.Context, req SetupCallRequest) (string, error) {
	from := req.From
	if from == "" {
		from = a.cfg.DefaultFrom
	}
	if req.To == "" || from == "" {
		return "", errors.New("telephony: telnyx setup requires from and to")
	}
	body := telnyxDialRequest{
		ConnectionID: a.cfg.ConnectionID,
		To:           req.To,
		From:         from,
		TimeoutSecs:  int(req.Timeout.Seconds()),
	}
	if req.ClientState != "" {
		body.ClientState = base64.StdEncoding.EncodeToString([]byte(req.ClientState))
	}
	var resp telnyxDialResponse
	if err := a.post(ctx, "dial", a.baseURL+"/calls", body, &resp); err != nil {
		return "", err
	}
	return resp.Data.CallControlID, nil
}

func (a *TelnyxAdapter) AnswerCall(ctx context.Context, callID string) error {
	return a.command(ctx, callID, "answer", map[string]any{})
}

func (a *TelnyxAdapter) EndCall(ctx context.Context, callID string) error {
	return a.command(ctx, callID, "hangup", map[string]any{})
}

// Execute issues one call-control command per action, stopping at the first failure.
func (a *TelnyxAdapter) Execute(ctx context.Context, callID string, actions []Action) error {
	for _, act := range actions {
		cmd, body, err := telnyxCommand(act)
		if err != nil {
			return err
		}
		if err := a.command(ctx, callID, cmd, body); err != nil {
			return err
		}
	}
	return nil
}

// RenderReply acknowledges the webhook; this vendor takes no instructions in replies.
func (a *TelnyxAdapter) RenderReply([]Action) (string, []byte, error) {
	return "application/json", []byte(`{"status":"ok"}`), nil
}

func telnyxCommand(act Action) (string, map[string]any, error) {
	lang := act.Language
	if lang == "" {
		lang = "en-US"
	}
	switch act.Type {
	case ActionPlay:
		if act.Prompt != "" {
			return "playback_start", map[string]any{"audio_url": act.Prompt}, nil
		}
		if act.Text == "" {
			return "", nil, errors.New("telephony: play action needs prompt or text")
		}
		return "speak", map[string]any{"payload": act.Text, "voice": "female", "language": lang}, nil
	case ActionGather:
		body := map[string]any{"minimum_digits": 1}
		if act.MaxDigits > 0 {
			body["maximum_digits"] = act.MaxDigits
		}
		if act.Timeout > 0 {
			body["timeout_millis"] = act.Timeout.Milliseconds()
		}
		if act.FinishOnKey != "" {
			body["terminating_digit"] = act.FinishOnKey
		}
		if seq := act.Params["seq"]; seq != "" {
			body["client_state"] = base64.StdEncoding.EncodeToString([]byte(seq))
		}
		switch {
		case act.Prompt != "":
			body["audio_url"] = act.Prompt
			return "gather_using_audio", body, nil
		case act.Text != "":
			body["payload"] = act.Text
			body["voice"] = "female"
			body["language"] = lang
			return "gather_using_speak", body, nil
		default:
			return "gather", body, nil
		}
	case ActionTransfer:
		if strings.TrimSpace(act.Target) == "" {
			return "", nil, errors.New("telephony: transfer target required")
		}
		return "transfer", map[string]any{"to": act.Target}, nil
	case ActionRecord:
		body := map[string]any{"format": "mp3", "channels": "single", "play_beep": true}
		if act.MaxLength > 0 {
			body["max_length"] = int(act.MaxLength.Seconds())
		}
		return "record_start", body, nil
	case ActionHangup:
		return "hangup", map[string]any{}, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, act.Type)
	}
}

// decodeSeq reads the prompt sequence stored in client_state by a gather command.
func decodeSeq(state string) uint64 {
	raw, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return 0
	}
	seq, _ := strconv.ParseUint(string(raw), 10, 64)
	return seq
}

func (a *TelnyxAdapter) command(ctx context.Context, callID, cmd string, body any) error {
	endpoint := fmt.Sprintf("%s/calls/%s/actions/%s", a.baseURL, url.PathEscape(callID), cmd)
	return a.post(ctx, cmd, endpoint, body, nil)
}

func (a *TelnyxAdapter) post(ctx context.Context, op, endpoint string, body, result any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &TransportError{Vendor: VendorTelnyx, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Vendor: VendorTelnyx, Op: op, Err: err}
	}
	if resp.StatusCode >= 400 {
		return &TransportError{Vendor: VendorTelnyx, Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("telephony: telnyx %s: decode response: %w", op, err)
		}
	}
	return nil
}
