package audio

import "encoding/binary"

// G.711 μ-law companding.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawDecodeTable[i] = decodeMulawSample(byte(i))
	}
}

func decodeMulawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	magnitude := ((int(mantissa) << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// MulawEncodeSample compresses one linear sample to μ-law.
func MulawEncodeSample(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | (exponent << 4) | mantissa)
}

// MulawDecodeSample expands one μ-law byte to a linear sample.
func MulawDecodeSample(u byte) int16 { return mulawDecodeTable[u] }

// DecodeMulaw expands μ-law bytes to linear samples.
func DecodeMulaw(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = mulawDecodeTable[b]
	}
	return out
}

// EncodeMulaw compresses linear samples to μ-law bytes.
func EncodeMulaw(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = MulawEncodeSample(s)
	}
	return out
}

// BytesToPCM16 reinterprets little-endian bytes as samples. len(b) must be even.
func BytesToPCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// PCM16ToBytes serializes samples as little-endian bytes.
func PCM16ToBytes(s []int16) []byte {
	out := make([]byte, 2*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}
