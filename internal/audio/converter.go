package audio

import (
	"fmt"
	"sync"
	"time"
)

// Converter holds the per-call conversion state for both directions.
// FromWire and ToWire may be called from different goroutines (inbound media
// reader vs outbound prompt writer); each direction has its own lock.
type Converter interface {
	FromWire(c Chunk) (Chunk, error)
	ToWire(c Chunk) (Chunk, error)
}

// MulawConverter bridges 8 kHz μ-law wire audio and internal PCM16.
type MulawConverter struct {
	internalRate int

	inMu sync.Mutex
	up   *Resampler

	outMu sync.Mutex
	down  *Resampler
}

func NewMulawConverter(internalRate int) *MulawConverter {
	if internalRate <= 0 {
		internalRate = DefaultInternalRate
	}
	return &MulawConverter{
		internalRate: internalRate,
		up:           NewResampler(TelephonyRate, internalRate),
		down:         NewResampler(internalRate, TelephonyRate),
	}
}

// FromWire expands μ-law to PCM16 and upsamples to the internal rate.
func (m *MulawConverter) FromWire(c Chunk) (Chunk, error) {
	if err := c.validate(CodecMulaw); err != nil {
		return Chunk{}, err
	}
	if c.SampleRate != TelephonyRate {
		return Chunk{}, fmt.Errorf("%w: mulaw wire rate %d, expected %d", ErrConversion, c.SampleRate, TelephonyRate)
	}
	pcm := DecodeMulaw(c.Data)

	m.inMu.Lock()
	out := m.up.Process(pcm)
	m.inMu.Unlock()

	return Chunk{Data: PCM16ToBytes(out), Codec: CodecPCM16, SampleRate: m.internalRate}, nil
}

// ToWire downsamples internal PCM16 to 8 kHz and compresses to μ-law.
func (m *MulawConverter) ToWire(c Chunk) (Chunk, error) {
	if err := c.validate(CodecPCM16); err != nil {
		return Chunk{}, err
	}
	if c.SampleRate != m.internalRate {
		return Chunk{}, fmt.Errorf("%w: internal rate %d, expected %d", ErrConversion, c.SampleRate, m.internalRate)
	}
	pcm := BytesToPCM16(c.Data)

	m.outMu.Lock()
	out := m.down.Process(pcm)
	m.outMu.Unlock()

	return Chunk{Data: EncodeMulaw(out), Codec: CodecMulaw, SampleRate: TelephonyRate}, nil
}

// PCMConverter handles vendors that already speak PCM16. Audio passes through
// unchanged unless the wire rate differs from the internal rate.
type PCMConverter struct {
	wireRate     int
	internalRate int

	inMu sync.Mutex
	up   *Resampler

	outMu sync.Mutex
	down  *Resampler
}

func NewPCMConverter(wireRate, internalRate int) *PCMConverter {
	if internalRate <= 0 {
		internalRate = DefaultInternalRate
	}
	if wireRate <= 0 {
		wireRate = internalRate
	}
	return &PCMConverter{
		wireRate:     wireRate,
		internalRate: internalRate,
		up:           NewResampler(wireRate, internalRate),
		down:         NewResampler(internalRate, wireRate),
	}
}

func (p *PCMConverter) FromWire(c Chunk) (Chunk, error) {
	if err := c.validate(CodecPCM16); err != nil {
		return Chunk{}, err
	}
	if c.SampleRate == p.internalRate {
		return c, nil
	}
	if c.SampleRate != p.wireRate {
		return Chunk{}, fmt.Errorf("%w: pcm wire rate %d, expected %d", ErrConversion, c.SampleRate, p.wireRate)
	}
	p.inMu.Lock()
	out := p.up.Process(BytesToPCM16(c.Data))
	p.inMu.Unlock()
	return Chunk{Data: PCM16ToBytes(out), Codec: CodecPCM16, SampleRate: p.internalRate}, nil
}

func (p *PCMConverter) ToWire(c Chunk) (Chunk, error) {
	if err := c.validate(CodecPCM16); err != nil {
		return Chunk{}, err
	}
	if c.SampleRate == p.wireRate {
		return c, nil
	}
	if c.SampleRate != p.internalRate {
		return Chunk{}, fmt.Errorf("%w: internal rate %d, expected %d", ErrConversion, c.SampleRate, p.internalRate)
	}
	p.outMu.Lock()
	out := p.down.Process(BytesToPCM16(c.Data))
	p.outMu.Unlock()
	return Chunk{Data: PCM16ToBytes(out), Codec: CodecPCM16, SampleRate: p.wireRate}, nil
}

// FailureWindow counts conversion failures in a sliding window so repeated
// malformed frames can escalate to ending the call.
type FailureWindow struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	failures  []time.Time
}

func NewFailureWindow(threshold int, window time.Duration) *FailureWindow {
	if threshold <= 0 {
		threshold = 10
	}
	if window <= 0 {
		window = 5 * time.Second
	}
	return &FailureWindow{threshold: threshold, window: window}
}

// Record adds a failure at now and reports whether the threshold is reached.
func (f *FailureWindow) Record(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := now.Add(-f.window)
	kept := f.failures[:0]
	for _, t := range f.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.failures = append(kept, now)
	return len(f.failures) >= f.threshold
}

// Count returns failures currently inside the window ending at now.
func (f *FailureWindow) Count(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := now.Add(-f.window)
	n := 0
	for _, t := range f.failures {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
