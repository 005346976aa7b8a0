package codec

import (
	"encoding/binary"

	"p3timing/internal/crc"
)

func calculateCRC(data []byte) uint16 {
	return crc.Calculate(data)
}

// DecodeFrame decodes one complete escaped frame (SOR..EOR inclusive) into a
// Message. It never panics: every failure mode returns a *DecodeError so the
// caller can resync on the next SOR and keep counting faults.
func DecodeFrame(escaped []byte) (*Message, error) {
	if len(escaped) < MinFrameSize {
		return nil, &DecodeError{Kind: ErrTruncated, Detail: "frame shorter than minimum size"}
	}
	if escaped[OffsetSOR] != SOR {
		return nil, &DecodeError{Kind: ErrTruncated, Detail: "missing SOR"}
	}
	if escaped[OffsetVersion] != ProtocolVersion {
		return nil, &DecodeError{Kind: ErrUnsupportedVersion, Detail: "unrecognized message version"}
	}

	if err := validateCRC(escaped); err != nil {
		return nil, err
	}

	unescaped, err := unescape(escaped)
	if err != nil {
		return nil, err
	}
	if len(unescaped) < MinFrameSize {
		return nil, &DecodeError{Kind: ErrTruncated, Detail: "unescaped frame shorter than minimum size"}
	}

	length := binary.LittleEndian.Uint16(unescaped[OffsetLength : OffsetLength+2])
	if int(length) != len(unescaped) {
		return nil, &DecodeError{Kind: ErrTruncated, Detail: "length field does not match frame size"}
	}
	if unescaped[len(unescaped)-1] != EOR {
		return nil, &DecodeError{Kind: ErrTruncated, Detail: "missing EOR"}
	}

	typeRaw := binary.LittleEndian.Uint16(unescaped[OffsetType : OffsetType+2])
	msgType, ok := messageTypeFromU16(typeRaw)
	if !ok {
		return nil, &DecodeError{Kind: ErrUnknownMessageType, Detail: "unrecognized message type"}
	}

	body := unescaped[OffsetBody : len(unescaped)-1]
	fields, err := decodeTLV(body)
	if err != nil {
		return nil, err
	}

	msg := &Message{Type: msgType}
	switch msgType {
	case MessageTypePassing:
		p, err := passingFromTLV(fields)
		if err != nil {
			return nil, err
		}
		msg.Passing = p
	case MessageTypeStatus:
		s, err := statusFromTLV(fields)
		if err != nil {
			return nil, err
		}
		msg.Status = s
	case MessageTypeVersion:
		v, err := versionFromTLV(fields)
		if err != nil {
			return nil, err
		}
		msg.Version = v
	default:
		// Recognized by framing (e.g. Resend) but has no defined TLV layout.
		msg.Raw = fields
	}

	return msg, nil
}

// validateCRC zeroes the CRC field of the unescaped frame and compares the
// recomputed CRC against the value that was actually embedded on the wire.
func validateCRC(escaped []byte) error {
	unescaped, err := unescape(escaped)
	if err != nil {
		return err
	}
	if len(unescaped) < OffsetCRC+2 {
		return &DecodeError{Kind: ErrTruncated, Detail: "frame too short to contain CRC field"}
	}

	stored := binary.LittleEndian.Uint16(unescaped[OffsetCRC : OffsetCRC+2])

	zeroed := make([]byte, len(unescaped))
	copy(zeroed, unescaped)
	zeroed[OffsetCRC] = 0
	zeroed[OffsetCRC+1] = 0

	computed := calculateCRC(zeroed)
	if computed != stored {
		return &DecodeError{Kind: ErrCRCMismatch, Detail: "CRC does not match frame contents"}
	}
	return nil
}

// EncodeFrame builds the escaped wire bytes for msg. Round-trip law:
// DecodeFrame(EncodeFrame(m)) == m for any well-formed m with known tags.
func EncodeFrame(msg *Message) ([]byte, error) {
	var body []byte
	switch msg.Type {
	case MessageTypePassing:
		body = passingToTLV(msg.Passing)
	case MessageTypeStatus:
		body = statusToTLV(msg.Status)
	case MessageTypeVersion:
		body = versionToTLV(msg.Version)
	default:
		for _, f := range msg.Raw {
			body = encodeTLV(body, f.tag, f.value)
		}
	}

	total := OffsetBody + len(body) + 1 // + EOR
	unescaped := make([]byte, total)
	unescaped[OffsetSOR] = SOR
	unescaped[OffsetVersion] = ProtocolVersion
	binary.LittleEndian.PutUint16(unescaped[OffsetLength:], uint16(total))
	// CRC field left zero for now.
	binary.LittleEndian.PutUint16(unescaped[OffsetReserved:], 0)
	binary.LittleEndian.PutUint16(unescaped[OffsetType:], uint16(msg.Type))
	copy(unescaped[OffsetBody:], body)
	unescaped[total-1] = EOR

	crc := calculateCRC(unescaped)
	binary.LittleEndian.PutUint16(unescaped[OffsetCRC:], crc)

	interior := unescaped[1 : total-1]
	out := make([]byte, 0, 1+escapedLen(interior)+1)
	out = append(out, SOR)
	out = escape(out, interior)
	out = append(out, EOR)
	return out, nil
}
