package codec

import "encoding/binary"

// tlvField is one decoded tag-length-value field: tag (1 byte), length (1
// byte), then length bytes of value.
type tlvField struct {
	tag   byte
	value []byte
}

// decodeTLV walks data as a sequence of tag/length/value fields. Unknown tags
// are preserved opaquely; the caller decides which tags matter.
func decodeTLV(data []byte) ([]tlvField, error) {
	var fields []tlvField
	i := 0
	for i < len(data) {
		if i+2 > len(data) {
			return nil, &DecodeError{Kind: ErrMalformedTLV, Detail: "truncated tag/length"}
		}
		tag := data[i]
		length := int(data[i+1])
		i += 2
		if i+length > len(data) {
			return nil, &DecodeError{Kind: ErrMalformedTLV, Detail: "truncated value"}
		}
		fields = append(fields, tlvField{tag: tag, value: data[i : i+length]})
		i += length
	}
	return fields, nil
}

func encodeTLV(dst []byte, tag byte, value []byte) []byte {
	dst = append(dst, tag, byte(len(value)))
	return append(dst, value...)
}

func decodeU16(v []byte) (uint16, bool) {
	if len(v) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(v), true
}

func decodeI16(v []byte) (int16, bool) {
	u, ok := decodeU16(v)
	return int16(u), ok
}

func decodeU32(v []byte) (uint32, bool) {
	if len(v) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}

func decodeU64(v []byte) (uint64, bool) {
	if len(v) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(v), true
}

func encodeU16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// formatDecoderID renders a decoder id byte slice as an uppercase hex string
// in wire byte order (no little-endian reinterpretation).
func formatDecoderID(b []byte) string {
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0F]
	}
	return string(out)
}

// parseDecoderID reverses formatDecoderID, expecting exactly n bytes worth of
// hex digits (2n characters).
func parseDecoderID(s string, n int) ([]byte, bool) {
	if len(s) != n*2 {
		return nil, false
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return nil, false
		}
		out[i] = hi<<4 | lo
	}
	return out, true
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}
