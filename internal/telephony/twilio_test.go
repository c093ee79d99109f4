package telephony

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"contact-center/internal/audio"
	"contact-center/internal/webhook"
)

func newTestTwilio(t *testing.T, apiURL string) *TwilioAdapter {
	t.Helper()
	return NewTwilioAdapter(TwilioConfig{
		AccountSID:    "AC1",
		AuthToken:     "secret",
		APIBaseURL:    apiURL,
		PublicBaseURL: "https://cc.example.com",
		Now:           func() time.Time { return time.Unix(1700000000, 0) },
	})
}

func TestTwilioRenderGatherAddsTimeoutRedirect(t *testing.T) {
	a := newTestTwilio(t, "")
	ct, body, err := a.RenderReply([]Action{{
		Type:      ActionGather,
		Text:      "Press 1 for sales",
		MaxDigits: 1,
		Timeout:   5 * time.Second,
	}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ct != "application/xml" {
		t.Fatalf("unexpected content type %q", ct)
	}
	doc := string(body)
	for _, want := range []string{
		`<Gather input="dtmf" action="https://cc.example.com/webhooks/twilio/gather"`,
		`numDigits="1"`,
		`timeout="5"`,
		`<Say>Press 1 for sales</Say>`,
		`<Redirect method="POST">https://cc.example.com/webhooks/twilio/gather?timeout=1</Redirect>`,
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("expected %q in twiml:\n%s", want, doc)
		}
	}
}

func TestTwilioRenderTransfer(t *testing.T) {
	a := newTestTwilio(t, "")
	_, body, err := a.RenderReply([]Action{{Type: ActionTransfer, Target: "sip:agent7@pbx.example.com"}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(string(body), "<Sip>sip:agent7@pbx.example.com</Sip>") {
		t.Fatalf("expected sip dial: %s", body)
	}

	_, body, err = a.RenderReply([]Action{{Type: ActionTransfer, Target: "+15550001111"}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(string(body), "<Number>+15550001111</Number>") {
		t.Fatalf("expected number dial: %s", body)
	}

	if _, _, err := a.RenderReply([]Action{{Type: ActionTransfer}}); err == nil {
		t.Fatalf("expected error for empty transfer target")
	}
}

func TestTwilioRenderRejectsUnknownAction(t *testing.T) {
	a := newTestTwilio(t, "")
	_, _, err := a.RenderReply([]Action{{Type: "fax"}})
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("expected ErrUnsupportedAction, got %v", err)
	}
}

func TestTwilioHandleWebhook(t *testing.T) {
	a := newTestTwilio(t, "")

	cases := []struct {
		name      string
		eventType string
		body      string
		want      EventType
		digits    string
	}{
		{"inbound", "voice", "CallSid=CA1&From=%2B15551234567&To=%2B15557654321", EventCallInitiated, ""},
		{"digits", "gather", "CallSid=CA1&Digits=2", EventDTMF, "2"},
		{"speech", "gather", "CallSid=CA1&SpeechResult=billing&Confidence=0.91", EventSpeech, ""},
		{"redirect timeout", "gather?timeout=1", "CallSid=CA1", EventInputTimeout, ""},
		{"completed", "status", "CallSid=CA1&CallStatus=completed", EventCallEnded, ""},
		{"answered", "status", "CallSid=CA1&CallStatus=in-progress", EventCallAnswered, ""},
		{"bridged", "dial", "CallSid=CA1&DialCallStatus=completed", EventBridged, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := a.HandleWebhook(tc.eventType, []byte(tc.body))
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if ev == nil {
				t.Fatalf("expected event")
			}
			if ev.Type != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, ev.Type)
			}
			if ev.CallID != "CA1" || ev.Vendor != VendorTwilio {
				t.Fatalf("unexpected identity: %+v", ev)
			}
			if ev.Digits != tc.digits {
				t.Fatalf("expected digits %q, got %q", tc.digits, ev.Digits)
			}
		})
	}

	ev, err := a.HandleWebhook("status", []byte("CallSid=CA1&CallStatus=ringing"))
	if err != nil || ev != nil {
		t.Fatalf("expected ignorable status, got %+v %v", ev, err)
	}
	if _, err := a.HandleWebhook("voice", []byte("From=%2B1")); err == nil {
		t.Fatalf("expected error without CallSid")
	}
}

func TestTwilioValidateWebhook(t *testing.T) {
	a := newTestTwilio(t, "")
	callbackURL := "https://cc.example.com/webhooks/twilio/voice"
	params := url.Values{"CallSid": {"CA1"}, "From": {"+15551234567"}}
	sig := webhook.SignHMACSHA1("secret", callbackURL, params)

	req := webhook.Request{URL: callbackURL, Body: []byte(params.Encode())}
	if !a.ValidateWebhook(sig, req) {
		t.Fatalf("expected valid signature")
	}
	req.Body = []byte("CallSid=CA2&From=%2B15551234567")
	if a.ValidateWebhook(sig, req) {
		t.Fatalf("expected tampered body to fail")
	}
}

func TestTwilioExecuteUpdatesCall(t *testing.T) {
	var gotPath, gotTwiml, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		_ = r.ParseForm()
		gotTwiml = r.PostForm.Get("Twiml")
		_, _ = io.WriteString(w, `{"sid":"CA1","status":"in-progress"}`)
	}))
	defer srv.Close()

	a := newTestTwilio(t, srv.URL)
	err := a.Execute(context.Background(), "CA1", []Action{{Type: ActionPlay, Text: "hold on"}, {Type: ActionHangup}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if gotPath != "/Accounts/AC1/Calls/CA1.json" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotUser != "AC1" {
		t.Fatalf("expected basic auth user")
	}
	if !strings.Contains(gotTwiml, "<Say>hold on</Say>") || !strings.Contains(gotTwiml, "<Hangup>") {
		t.Fatalf("unexpected twiml %q", gotTwiml)
	}
}

func TestTwilioTransportErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"code":20003,"message":"nope"}`)
	}))
	defer srv.Close()

	a := newTestTwilio(t, srv.URL)
	err := a.EndCall(context.Background(), "CA1")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("expected 503 to be retryable")
	}

	status = http.StatusBadRequest
	err = a.EndCall(context.Background(), "CA1")
	if err == nil || IsRetryable(err) {
		t.Fatalf("expected non-retryable 400, got %v", err)
	}
}

func TestTwilioConvertersArePerCall(t *testing.T) {
	a := newTestTwilio(t, "")
	frame := audio.Chunk{Data: audio.EncodeMulaw([]int16{1000, 2000, 3000, 4000}), Codec: audio.CodecMulaw, SampleRate: audio.TelephonyRate}

	first, err := a.ConvertAudioFromWire("CA1", frame)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// A different call starts with fresh resampler state.
	other, err := a.ConvertAudioFromWire("CA2", frame)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if string(first.Data) != string(other.Data) {
		t.Fatalf("expected identical output for fresh converters")
	}
	if first.SampleRate != audio.DefaultInternalRate || first.Codec != audio.CodecPCM16 {
		t.Fatalf("unexpected output format %+v", first)
	}
	if a.codecs.len() != 2 {
		t.Fatalf("expected 2 converters, got %d", a.codecs.len())
	}
	a.ReleaseCall("CA1")
	a.ReleaseCall("CA2")
	if a.codecs.len() != 0 {
		t.Fatalf("expected converters released")
	}
}

func TestTwilioGatherCarriesPromptSeq(t *testing.T) {
	a := newTestTwilio(t, "")
	_, body, err := a.RenderReply([]Action{{
		Type:   ActionGather,
		Text:   "Enter your PIN",
		Params: map[string]string{"node": "pin", "seq": "7"},
	}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	doc := string(body)
	if !strings.Contains(doc, `action="https://cc.example.com/webhooks/twilio/gather?seq=7"`) {
		t.Fatalf("gather action lost seq:\n%s", doc)
	}
	if !strings.Contains(doc, `https://cc.example.com/webhooks/twilio/gather?seq=7&amp;timeout=1</Redirect>`) {
		t.Fatalf("redirect lost seq:\n%s", doc)
	}

	ev, err := a.HandleWebhook("gather?seq=7&timeout=1", []byte("CallSid=CA1"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ev.Type != EventInputTimeout || ev.Seq != 7 {
		t.Fatalf("unexpected event %+v", ev)
	}
}
