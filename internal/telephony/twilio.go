package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"contact-center/internal/audio"
	"contact-center/internal/webhook"
)

const VendorTwilio = "twilio"

// TwilioConfig configures the form-webhook vendor.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	APIBaseURL string

	// PublicBaseURL is the externally reachable origin used in callback URLs.
	PublicBaseURL string
	DefaultFrom   string

	InternalRate int
	HTTPClient   *http.Client
	Now          func() time.Time
}

// TwilioAdapter speaks μ-law 8 kHz audio, HMAC-SHA1 signed form callbacks and
// replies synchronously with TwiML.
type TwilioAdapter struct {
	cfg      TwilioConfig
	client   *twilioClient
	verifier webhook.HMACSHA1Verifier
	codecs   *converterSet
	urls     twimlURLs
}

func NewTwilioAdapter(cfg TwilioConfig) *TwilioAdapter {
	if cfg.InternalRate <= 0 {
		cfg.InternalRate = audio.DefaultInternalRate
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	internalRate := cfg.InternalRate
	return &TwilioAdapter{
		cfg:      cfg,
		client:   newTwilioClient(cfg.AccountSID, cfg.AuthToken, cfg.APIBaseURL, cfg.HTTPClient),
		verifier: webhook.HMACSHA1Verifier{AuthToken: cfg.AuthToken},
		codecs: newConverterSet(func() audio.Converter {
			return audio.NewMulawConverter(internalRate)
		}),
		urls: twimlURLs{
			Gather: base + "/webhooks/twilio/gather",
			Dial:   base + "/webhooks/twilio/dial",
			Record: base + "/webhooks/twilio/record",
		},
	}
}

func (a *TwilioAdapter) Name() string { return VendorTwilio }

func (a *TwilioAdapter) Capabilities() Capabilities {
	return Capabilities{
		WireCodec:          audio.CodecMulaw,
		WireSampleRate:     audio.TelephonyRate,
		SynchronousReplies: true,
		SignatureHeader:    "X-Twilio-Signature",
	}
}

func (a *TwilioAdapter) SetupCall(ctx context.Context, req SetupCallRequest) (string, error) {
	from := req.From
	if from == "" {
		from = a.cfg.DefaultFrom
	}
	if req.To == "" || from == "" {
		return "", errors.New("telephony: twilio setup requires from and to")
	}
	base := strings.TrimRight(a.cfg.PublicBaseURL, "/")
	call, err := a.client.makeCall(ctx, makeCallParams{
		To:             req.To,
		From:           from,
		URL:            base + "/webhooks/twilio/voice",
		StatusCallback: base + "/webhooks/twilio/status",
		Timeout:        int(req.Timeout.Seconds()),
	})
	if err != nil {
		return "", err
	}
	return call.SID, nil
}

// AnswerCall is implicit: the first TwiML reply answers the call.
func (a *TwilioAdapter) AnswerCall(context.Context, string) error { return nil }

func (a *TwilioAdapter) EndCall(ctx context.Context, callID string) error {
	return a.client.hangupCall(ctx, callID)
}

// HandleWebhook maps a callback to an Event. eventType is the last path
// segment of the callback URL (voice, gather, status, dial, record); a query
// string may follow it.
func (a *TwilioAdapter) HandleWebhook(eventType string, payload []byte) (*Event, error) {
	kind, rawQuery, _ := strings.Cut(eventType, "?")
	query, _ := url.ParseQuery(rawQuery)
	f, err := ParseTwilioForm(payload, query)
	if err != nil {
		return nil, fmt.Errorf("telephony: twilio form: %w", err)
	}
	if f.CallSid == "" {
		return nil, errors.New("telephony: twilio callback without CallSid")
	}
	ev := &Event{
		Vendor:     VendorTwilio,
		CallID:     f.CallSid,
		From:       f.From,
		To:         f.To,
		Direction:  f.Direction,
		Status:     f.CallStatus,
		OccurredAt: a.cfg.Now().UTC(),
	}

	switch kind {
	case "voice":
		ev.Type = EventCallInitiated
	case "gather":
		ev.Seq = f.Seq
		switch {
		case f.Timeout:
			ev.Type = EventInputTimeout
		case f.SpeechResult != "":
			ev.Type = EventSpeech
			ev.Speech = f.SpeechResult
			ev.Confidence = f.Confidence
		case f.Digits != "":
			ev.Type = EventDTMF
			ev.Digits = f.Digits
		default:
			ev.Type = EventInputTimeout
		}
	case "status":
		switch {
		case twilioEndedStatuses[f.CallStatus]:
			ev.Type = EventCallEnded
			ev.HangupCause = f.CallStatus
		case f.CallStatus == "in-progress" || f.CallStatus == "answered":
			ev.Type = EventCallAnswered
		default:
			return nil, nil
		}
	case "dial":
		if f.DialCallStatus == "completed" || f.DialCallStatus == "answered" {
			ev.Type = EventBridged
		} else {
			ev.Type = EventCallEnded
			ev.HangupCause = "dial_" + f.DialCallStatus
		}
	case "record":
		ev.Type = EventCallEnded
		ev.HangupCause = "voicemail"
	default:
		return nil, nil
	}
	return ev, nil
}

func (a *TwilioAdapter) ValidateWebhook(signature string, req webhook.Request) bool {
	return a.verifier.Verify(signature, req) == nil
}

func (a *TwilioAdapter) ConvertAudioFromWire(callID string, c audio.Chunk) (audio.Chunk, error) {
	return a.codecs.get(callID).FromWire(c)
}

func (a *TwilioAdapter) ConvertAudioToWire(callID string, c audio.Chunk) (audio.Chunk, error) {
	return a.codecs.get(callID).ToWire(c)
}

// Execute redirects a live call to freshly rendered TwiML.
func (a *TwilioAdapter) Execute(ctx context.Context, callID string, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	doc, err := renderTwiML(actions, a.urls)
	if err != nil {
		return err
	}
	return a.client.updateCall(ctx, callID, doc)
}

func (a *TwilioAdapter) RenderReply(actions []Action) (string, []byte, error) {
	doc, err := renderTwiML(actions, a.urls)
	if err != nil {
		return "", nil, err
	}
	return "application/xml", []byte(doc), nil
}

func (a *TwilioAdapter) ReleaseCall(callID string) { a.codecs.release(callID) }
