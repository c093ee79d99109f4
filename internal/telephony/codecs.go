package telephony

import (
	"sync"

	"contact-center/internal/audio"
)

// converterSet keeps one stateful converter per live call. Resampler state must
// survive across chunks of the same call and must never be shared between calls.
type converterSet struct {
	mu      sync.Mutex
	byCall  map[string]audio.Converter
	factory func() audio.Converter
}

func newConverterSet(factory func() audio.Converter) *converterSet {
	return &converterSet{byCall: make(map[string]audio.Converter), factory: factory}
}

func (s *converterSet) get(callID string) audio.Converter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byCall[callID]
	if !ok {
		c = s.factory()
		s.byCall[callID] = c
	}
	return c
}

func (s *converterSet) release(callID string) {
	s.mu.Lock()
	delete(s.byCall, callID)
	s.mu.Unlock()
}

func (s *converterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byCall)
}
