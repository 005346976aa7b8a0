package codec

// Known TLV tags per message type. Tags not listed here are skipped during
// interpretation. PASSING, STATUS and VERSION messages do not keep them: the
// decoded Message holds only the known fields. Only a RESEND message keeps
// its TLV fields, in Message.Raw.
const (
	tagPassingNumber byte = 0x01
	tagPassingTx     byte = 0x03
	tagPassingRTC    byte = 0x04
	tagPassingStr    byte = 0x0A
	tagStrength      byte = 0x05
	tagHits          byte = 0x06
	tagFlags         byte = 0x08
	tagPassingUTC    byte = 0x10
	tagPassingDecID  byte = 0x81

	tagStatusNoise    byte = 0x01
	tagStatusGPS      byte = 0x06
	tagStatusTemp     byte = 0x07
	tagStatusSatInUse byte = 0x0A
	tagStatusDecID    byte = 0x81

	tagVersionDecID byte = 0x20
	tagVersionDesc  byte = 0x21
	tagVersionVer   byte = 0x22
	tagVersionBuild byte = 0x23
)

// Passing is a decoded transponder detection at a timing loop, or a gate-drop
// signal when TransponderID equals the track's configured gate-beacon id. The
// codec itself never makes that classification.
type Passing struct {
	PassingNumber     uint32  `json:"passing_number"`
	TransponderID     uint32  `json:"transponder_id"`
	RTCTimeUS         uint64  `json:"rtc_time_us"`
	UTCTimeUS         *uint64 `json:"utc_time_us,omitempty"`
	Strength          *uint16 `json:"strength,omitempty"`
	Hits              *uint16 `json:"hits,omitempty"`
	TransponderString *string `json:"transponder_string,omitempty"`
	Flags             uint16  `json:"flags"`
	DecoderID         *string `json:"decoder_id,omitempty"`
}

// Status is a decoder health/telemetry report.
type Status struct {
	Noise         uint16  `json:"noise"`
	GPSStatus     uint8   `json:"gps_status"`
	TemperatureDC int16   `json:"temperature_dc"`
	Satellites    uint8   `json:"satellites"`
	DecoderID     *string `json:"decoder_id,omitempty"`
}

// Version identifies a decoder's firmware.
type Version struct {
	DecoderID   string  `json:"decoder_id"`
	Description string  `json:"description"`
	Ver         string  `json:"version"`
	Build       *uint16 `json:"build,omitempty"`
}

// Message is a decoded frame body: exactly one of Passing, Status, Version is
// non-nil, or the frame carries a recognized-but-uninterpreted type (Resend)
// in Raw with its TLV fields untouched.
type Message struct {
	Type    MessageType `json:"type"`
	Passing *Passing    `json:"passing,omitempty"`
	Status  *Status     `json:"status,omitempty"`
	Version *Version    `json:"version,omitempty"`
	Raw     []tlvField  `json:"-"` // populated when Type has no dedicated struct (e.g. Resend).
}

func passingFromTLV(fields []tlvField) (*Passing, error) {
	p := &Passing{}
	var havePN, haveTx, haveRTC, haveFlags bool

	for _, f := range fields {
		switch f.tag {
		case tagPassingNumber:
			if v, ok := decodeU32(f.value); ok {
				p.PassingNumber, havePN = v, true
			}
		case tagPassingTx:
			if v, ok := decodeU32(f.value); ok {
				p.TransponderID, haveTx = v, true
			}
		case tagPassingRTC:
			if v, ok := decodeU64(f.value); ok {
				p.RTCTimeUS, haveRTC = v, true
			}
		case tagPassingUTC:
			if v, ok := decodeU64(f.value); ok {
				p.UTCTimeUS = &v
			}
		case tagStrength:
			if v, ok := decodeU16(f.value); ok {
				p.Strength = &v
			}
		case tagHits:
			if v, ok := decodeU16(f.value); ok {
				p.Hits = &v
			}
		case tagPassingStr:
			s := string(f.value)
			p.TransponderString = &s
		case tagFlags:
			if v, ok := decodeU16(f.value); ok {
				p.Flags, haveFlags = v, true
			}
		case tagPassingDecID:
			if s := formatDecoderID(f.value); len(f.value) == 4 {
				p.DecoderID = &s
			}
		}
	}

	if !havePN {
		return nil, requiredFieldError("PASSING_NUMBER", tagPassingNumber)
	}
	if !haveTx {
		return nil, requiredFieldError("TRANSPONDER", tagPassingTx)
	}
	if !haveRTC {
		return nil, requiredFieldError("RTC_TIME", tagPassingRTC)
	}
	if !haveFlags {
		return nil, requiredFieldError("FLAGS", tagFlags)
	}
	return p, nil
}

func statusFromTLV(fields []tlvField) (*Status, error) {
	s := &Status{}
	var haveNoise, haveGPS, haveTemp, haveSat bool

	for _, f := range fields {
		switch f.tag {
		case tagStatusNoise:
			if v, ok := decodeU16(f.value); ok {
				s.Noise, haveNoise = v, true
			}
		case tagStatusGPS:
			if len(f.value) >= 1 {
				s.GPSStatus, haveGPS = f.value[0], true
			}
		case tagStatusTemp:
			if v, ok := decodeI16(f.value); ok {
				s.TemperatureDC, haveTemp = v, true
			}
		case tagStatusSatInUse:
			if len(f.value) >= 1 {
				s.Satellites, haveSat = f.value[0], true
			}
		case tagStatusDecID:
			if v := formatDecoderID(f.value); len(f.value) == 4 {
				s.DecoderID = &v
			}
		}
	}

	if !haveNoise {
		return nil, requiredFieldError("NOISE", tagStatusNoise)
	}
	if !haveGPS {
		return nil, requiredFieldError("GPS_STATUS", tagStatusGPS)
	}
	if !haveTemp {
		return nil, requiredFieldError("TEMPERATURE", tagStatusTemp)
	}
	if !haveSat {
		return nil, requiredFieldError("SATINUSE", tagStatusSatInUse)
	}
	return s, nil
}

func versionFromTLV(fields []tlvField) (*Version, error) {
	v := &Version{}
	var haveDec, haveDesc, haveVer bool

	for _, f := range fields {
		switch f.tag {
		case tagVersionDecID:
			if s := formatDecoderID(f.value); len(f.value) == 8 {
				v.DecoderID, haveDec = s, true
			}
		case tagVersionDesc:
			v.Description, haveDesc = string(f.value), true
		case tagVersionVer:
			v.Ver, haveVer = string(f.value), true
		case tagVersionBuild:
			if b, ok := decodeU16(f.value); ok {
				v.Build = &b
			}
		}
	}

	if !haveDec {
		return nil, requiredFieldError("DECODER_ID", tagVersionDecID)
	}
	if !haveDesc {
		return nil, requiredFieldError("DESCRIPTION", tagVersionDesc)
	}
	if !haveVer {
		return nil, requiredFieldError("VERSION", tagVersionVer)
	}
	return v, nil
}

func requiredFieldError(name string, tag byte) error {
	const hexDigits = "0123456789ABCDEF"
	detail := "missing required field " + name + " (tag 0x" +
		string([]byte{hexDigits[tag>>4], hexDigits[tag&0x0F]}) + ")"
	return &DecodeError{Kind: ErrMalformedTLV, Detail: detail}
}

func passingToTLV(p *Passing) []byte {
	var body []byte
	body = encodeTLV(body, tagPassingNumber, encodeU32(p.PassingNumber))
	body = encodeTLV(body, tagPassingTx, encodeU32(p.TransponderID))
	body = encodeTLV(body, tagPassingRTC, encodeU64(p.RTCTimeUS))
	body = encodeTLV(body, tagFlags, encodeU16(p.Flags))
	if p.UTCTimeUS != nil {
		body = encodeTLV(body, tagPassingUTC, encodeU64(*p.UTCTimeUS))
	}
	if p.Strength != nil {
		body = encodeTLV(body, tagStrength, encodeU16(*p.Strength))
	}
	if p.Hits != nil {
		body = encodeTLV(body, tagHits, encodeU16(*p.Hits))
	}
	if p.TransponderString != nil {
		body = encodeTLV(body, tagPassingStr, []byte(*p.TransponderString))
	}
	if p.DecoderID != nil {
		if b, ok := parseDecoderID(*p.DecoderID, 4); ok {
			body = encodeTLV(body, tagPassingDecID, b)
		}
	}
	return body
}

func statusToTLV(s *Status) []byte {
	var body []byte
	body = encodeTLV(body, tagStatusNoise, encodeU16(s.Noise))
	body = encodeTLV(body, tagStatusGPS, []byte{s.GPSStatus})
	body = encodeTLV(body, tagStatusTemp, encodeU16(uint16(s.TemperatureDC)))
	body = encodeTLV(body, tagStatusSatInUse, []byte{s.Satellites})
	if s.DecoderID != nil {
		if b, ok := parseDecoderID(*s.DecoderID, 4); ok {
			body = encodeTLV(body, tagStatusDecID, b)
		}
	}
	return body
}

func versionToTLV(v *Version) []byte {
	var body []byte
	if b, ok := parseDecoderID(v.DecoderID, 8); ok {
		body = encodeTLV(body, tagVersionDecID, b)
	}
	body = encodeTLV(body, tagVersionDesc, []byte(v.Description))
	body = encodeTLV(body, tagVersionVer, []byte(v.Ver))
	if v.Build != nil {
		body = encodeTLV(body, tagVersionBuild, encodeU16(*v.Build))
	}
	return body
}
