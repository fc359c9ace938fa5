package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts Frames to a target format. It logs a warning on
// the first format mismatch and validates PCM data alignment.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Conversion order: expand companding first, then resample, then re-compand.
func (c *FormatConverter) Convert(frame Frame) Frame {
	// Fast path: source matches target.
	if frame.Format == c.Target {
		return frame
	}

	// Validate: odd byte count for int16 PCM input.
	if frame.Format.Encoding == EncodingLinear16 && len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"format", formatString(frame.Format),
			)
		})
		return Frame{Format: c.Target, Timestamp: frame.Timestamp}
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.Format),
			"to", formatString(c.Target),
		)
	})

	pcm := frame.Data

	// Step 1: expand companded audio to linear PCM.
	switch frame.Format.Encoding {
	case EncodingULaw:
		pcm = DecodeULaw(pcm)
	case EncodingALaw:
		pcm = DecodeALaw(pcm)
	}

	// Step 2: resample.
	if frame.Format.SampleRate != c.Target.SampleRate {
		pcm = ResampleMono16(pcm, frame.Format.SampleRate, c.Target.SampleRate)
	}

	// Step 3: compand to the target encoding if required.
	switch c.Target.Encoding {
	case EncodingULaw:
		pcm = EncodeULaw(pcm)
	case EncodingALaw:
		pcm = EncodeALaw(pcm)
	}

	return Frame{
		Data:      pcm,
		Format:    c.Target,
		Timestamp: frame.Timestamp,
	}
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// formatString returns a human-readable string for a format,
// e.g. "8000Hz mulaw".
func formatString(f Format) string {
	return fmt.Sprintf("%dHz %s", f.SampleRate, f.Encoding)
}
