package telephony

import (
	"net/url"
	"strconv"
	"strings"
)

// TwilioForm captures the subset of voice callback fields the engine uses.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
type TwilioForm struct {
	CallSid        string
	AccountSid     string
	From           string
	To             string
	Direction      string
	CallStatus     string
	Digits         string
	SpeechResult   string
	Confidence     float64
	DialCallStatus string
	RecordingURL   string
	Timeout        bool
	// Seq is the prompt sequence echoed back in the gather callback URL.
	Seq uint64
}

// ParseTwilioForm decodes a callback body. The timeout flag comes from the
// query string of the gather redirect.
func ParseTwilioForm(body []byte, query url.Values) (TwilioForm, error) {
	v, err := url.ParseQuery(string(body))
	if err != nil {
		return TwilioForm{}, err
	}
	f := TwilioForm{
		CallSid:        v.Get("CallSid"),
		AccountSid:     v.Get("AccountSid"),
		From:           normalizePhone(v.Get("From")),
		To:             normalizePhone(v.Get("To")),
		Direction:      v.Get("Direction"),
		CallStatus:     v.Get("CallStatus"),
		Digits:         strings.TrimSpace(v.Get("Digits")),
		SpeechResult:   strings.TrimSpace(v.Get("SpeechResult")),
		DialCallStatus: v.Get("DialCallStatus"),
		RecordingURL:   v.Get("RecordingUrl"),
		Timeout:        query.Get("timeout") == "1",
	}
	if seq := query.Get("seq"); seq != "" {
		f.Seq, _ = strconv.ParseUint(seq, 10, 64)
	}
	if c := v.Get("Confidence"); c != "" {
		f.Confidence, _ = strconv.ParseFloat(c, 64)
	}
	return f, nil
}

func normalizePhone(s string) string {
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return strings.TrimSpace(s)
}

// twilioEndedStatuses are terminal CallStatus values.
var twilioEndedStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}
