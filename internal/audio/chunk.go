// Package audio converts between vendor wire encodings and the engine's internal
// 16-bit linear PCM pipeline.
package audio

import (
	"errors"
	"fmt"
)

// Codec tags the encoding of the bytes carried by a Chunk.
type Codec string

const (
	CodecMulaw Codec = "mulaw" // 8-bit G.711 μ-law
	CodecPCM16 Codec = "pcm16" // 16-bit signed little-endian linear PCM
)

const (
	// TelephonyRate is the narrowband rate used on PSTN wires.
	TelephonyRate = 8000
	// DefaultInternalRate is the engine's internal PCM rate.
	DefaultInternalRate = 16000
)

// ErrConversion marks malformed wire audio. The chunk is dropped by the caller.
var ErrConversion = errors.New("audio: conversion failed")

// Chunk is an immutable unit of audio exchanged between adapters and the engine.
// Data must not be modified after construction; converters always allocate new slices.
type Chunk struct {
	Data       []byte
	Codec      Codec
	SampleRate int
}

// Samples reports the number of samples carried by the chunk.
func (c Chunk) Samples() int {
	switch c.Codec {
	case CodecMulaw:
		return len(c.Data)
	case CodecPCM16:
		return len(c.Data) / 2
	default:
		return 0
	}
}

func (c Chunk) validate(want Codec) error {
	if c.Codec != want {
		return fmt.Errorf("%w: expected %s, got %q", ErrConversion, want, c.Codec)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: invalid sample rate %d", ErrConversion, c.SampleRate)
	}
	if want == CodecPCM16 && len(c.Data)%2 != 0 {
		return fmt.Errorf("%w: pcm16 payload has odd length %d", ErrConversion, len(c.Data))
	}
	return nil
}
