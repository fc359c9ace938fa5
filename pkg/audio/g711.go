package audio

// G.711 companding between 16-bit linear PCM and 8-bit μ-law / A-law.
// The algorithms follow the CCITT G.711 reference segmentation: 8 logarithmic
// segments, 4 mantissa bits, sign bit. μ-law carries a 33-step bias; A-law is
// XOR-masked with 0x55 for bit-density on the wire.

const (
	ulawBias = 0x84
	ulawClip = 8159 // max magnitude after >>2 scaling
)

var alawSegEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

var ulawSegEnd = [8]int32{0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF}

// EncodeULawSample compresses one linear PCM sample to μ-law.
func EncodeULawSample(s int16) byte {
	x := int32(s) >> 2
	var mask int32 = 0xFF
	if x < 0 {
		x = -x
		mask = 0x7F
	}
	if x > ulawClip {
		x = ulawClip
	}
	x += ulawBias >> 2

	seg := 0
	for seg < 8 && x > ulawSegEnd[seg] {
		seg++
	}
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}
	uval := int32(seg)<<4 | (x>>(seg+1))&0x0F
	return byte(uval ^ mask)
}

// DecodeULawSample expands one μ-law byte to a linear PCM sample.
func DecodeULawSample(b byte) int16 {
	u := ^b
	t := (int32(u&0x0F) << 3) + ulawBias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(ulawBias - t)
	}
	return int16(t - ulawBias)
}

// EncodeALawSample compresses one linear PCM sample to A-law.
func EncodeALawSample(s int16) byte {
	x := int32(s) >> 3
	var mask int32 = 0xD5 // sign bit set, XOR 0x55
	if x < 0 {
		mask = 0x55
		x = -x - 1
	}

	seg := 0
	for seg < 8 && x > alawSegEnd[seg] {
		seg++
	}
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}
	aval := int32(seg) << 4
	if seg < 2 {
		aval |= (x >> 1) & 0x0F
	} else {
		aval |= (x >> seg) & 0x0F
	}
	return byte(aval ^ mask)
}

// DecodeALawSample expands one A-law byte to a linear PCM sample.
func DecodeALawSample(b byte) int16 {
	a := b ^ 0x55
	t := int32(a&0x0F) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// DecodeULaw expands μ-law bytes to little-endian 16-bit PCM.
func DecodeULaw(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := DecodeULawSample(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeULaw compresses little-endian 16-bit PCM to μ-law. Input with an odd
// byte count has its trailing byte ignored.
func EncodeULaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeULawSample(s)
	}
	return out
}

// DecodeALaw expands A-law bytes to little-endian 16-bit PCM.
func DecodeALaw(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := DecodeALawSample(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeALaw compresses little-endian 16-bit PCM to A-law. Input with an odd
// byte count has its trailing byte ignored.
func EncodeALaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeALawSample(s)
	}
	return out
}
