package dispatch

import (
	"context"
	"errors"
	"sort"
	"strings"

	"contact-center/internal/telephony"
)

var ErrNoFlow = errors.New("dispatch: no flow for number")

// FlowResolver picks the IVR flow for an inbound call.
type FlowResolver interface {
	Resolve(ctx context.Context, ev telephony.Event) (flowID string, err error)
}

// NumberResolver maps the dialed number to a flow, falling back to Default.
type NumberResolver struct {
	Numbers map[string]string
	Default string
}

func (r NumberResolver) Resolve(_ context.Context, ev telephony.Event) (string, error) {
	if id, ok := r.Numbers[strings.TrimSpace(ev.To)]; ok && id != "" {
		return id, nil
	}
	if r.Default != "" {
		return r.Default, nil
	}
	return "", ErrNoFlow
}

// Classifier turns a speech transcript into the intent matched against IVR edges.
type Classifier interface {
	Classify(ctx context.Context, callID, utterance string) (intent string, err error)
}

// KeywordClassifier maps intents to trigger words. The first intent, in name
// order, with a keyword contained in the utterance wins; no hit returns the
// utterance unchanged so exact edge labels still match.
type KeywordClassifier map[string][]string

func (k KeywordClassifier) Classify(_ context.Context, _ string, utterance string) (string, error) {
	text := strings.ToLower(strings.TrimSpace(utterance))
	if text == "" {
		return "", nil
	}
	intents := make([]string, 0, len(k))
	for intent := range k {
		intents = append(intents, intent)
	}
	sort.Strings(intents)
	for _, intent := range intents {
		for _, kw := range k[intent] {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return intent, nil
			}
		}
	}
	return utterance, nil
}
