// Package audio provides the audio primitives shared by the voicebridge
// pipeline: the frame type flowing between the telephony leg and provider
// adapters, G.711 companding, and narrowband format conversion.
package audio

import "time"

// Encoding identifies the byte-level encoding of an audio stream.
type Encoding string

const (
	// EncodingULaw is G.711 μ-law companded audio, 1 byte per sample.
	EncodingULaw Encoding = "mulaw"

	// EncodingALaw is G.711 A-law companded audio, 1 byte per sample.
	EncodingALaw Encoding = "alaw"

	// EncodingLinear16 is little-endian signed 16-bit PCM, 2 bytes per sample.
	EncodingLinear16 Encoding = "linear16"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingULaw, EncodingALaw, EncodingLinear16:
		return true
	}
	return false
}

// BytesPerSample returns the storage size of one sample in this encoding.
func (e Encoding) BytesPerSample() int {
	if e == EncodingLinear16 {
		return 2
	}
	return 1
}

// Format describes the encoding and sample rate of a mono audio stream.
// Telephony legs are commonly {mulaw, 8000}; providers typically want
// {linear16, 16000} or accept companded audio natively.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// BytesPerSecond returns the wire rate of a stream in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Encoding.BytesPerSample()
}

// Seconds returns the play duration of n bytes in this format.
func (f Format) Seconds(n int64) float64 {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return float64(n) / float64(bps)
}

// Frame represents a single frame of mono audio flowing through the bridge.
// Frames are the atomic unit of audio transport — received from the telephony
// leg, analysed by AMD, and forwarded to the active provider adapter.
type Frame struct {
	// Data holds the raw audio bytes in Format's encoding.
	Data []byte

	// Format is the encoding and sample rate of Data.
	Format Format

	// Timestamp marks when this frame was captured, relative to call start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	bps := f.Format.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(len(f.Data)) * time.Second / time.Duration(bps)
}
