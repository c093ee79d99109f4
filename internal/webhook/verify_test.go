package webhook

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/url"
	"testing"
)

const callbackURL = "https://cc.example.com/webhooks/twilio/voice?tenant=acme"

func TestHMACSHA1_ValidSignatureVerifies(t *testing.T) {
	params := url.Values{"CallSid": {"CA123"}, "From": {"+15551234567"}, "To": {"+15557654321"}, "Digits": {"1"}}
	sig := SignHMACSHA1("token", callbackURL, params)

	v := HMACSHA1Verifier{AuthToken: "token"}
	if err := v.Verify(sig, Request{URL: callbackURL, Params: params}); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestHMACSHA1_FlippedBodyByteInvalidates(t *testing.T) {
	body := []byte("CallSid=CA123&Digits=1&From=%2B15551234567")
	params, _ := url.ParseQuery(string(body))
	sig := SignHMACSHA1("token", callbackURL, params)

	v := HMACSHA1Verifier{AuthToken: "token"}
	if err := v.Verify(sig, Request{URL: callbackURL, Body: body}); err != nil {
		t.Fatalf("expected valid signature from raw body, got %v", err)
	}

	tampered := append([]byte(nil), body...)
	tampered[len("CallSid=CA12")] = '4'
	for i := 0; i < 3; i++ {
		err := v.Verify(sig, Request{URL: callbackURL, Body: tampered})
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("expected authentication error, got %v", err)
		}
	}
}

func TestCanonicalStringSortsKeys(t *testing.T) {
	got := CanonicalString("https://x/y", url.Values{"b": {"2"}, "a": {"1"}})
	if got != "https://x/ya1b2" {
		t.Fatalf("unexpected canonical string %q", got)
	}
}

func TestHMACSHA1_RejectsMissingTokenOrSignature(t *testing.T) {
	if err := (HMACSHA1Verifier{}).Verify("abc", Request{URL: callbackURL}); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected auth error without token")
	}
	if err := (HMACSHA1Verifier{AuthToken: "t"}).Verify("", Request{URL: callbackURL}); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected auth error without signature")
	}
}

func TestEd25519_VerifiesExactBodyBytes(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	body := []byte(`{"data":{"event_type":"call.initiated","payload":{"call_control_id":"v3:abc"}}}`)
	sig := hex.EncodeToString(ed25519.Sign(priv, body))

	v, err := NewEd25519Verifier(hex.EncodeToString(pub), true, nil)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	if err := v.Verify(sig, Request{Body: body}); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	// Same JSON, different whitespace: re-serialization is not tolerated.
	reformatted := []byte(`{"data": {"event_type":"call.initiated","payload":{"call_control_id":"v3:abc"}}}`)
	if err := v.Verify(sig, Request{Body: reformatted}); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error for re-serialized body, got %v", err)
	}
	if err := v.Verify("zz", Request{Body: body}); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error for non-hex signature")
	}
}

func TestEd25519_MissingKeyPolicy(t *testing.T) {
	if _, err := NewEd25519Verifier("", true, nil); err == nil {
		t.Fatalf("expected production to require a public key")
	}
	v, err := NewEd25519Verifier("", false, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !v.AcceptAll() {
		t.Fatalf("expected accept-all outside production")
	}
	if err := v.Verify("", Request{Body: []byte("{}")}); err != nil {
		t.Fatalf("accept-all should accept, got %v", err)
	}
}
