package codec

import "testing"

func strPtr(s string) *string { return &s }
func u16Ptr(v uint16) *uint16 { return &v }

func sampleStatus() *Message {
	return &Message{
		Type: MessageTypeStatus,
		Status: &Status{
			Noise:         53,
			GPSStatus:     1,
			TemperatureDC: 16,
			Satellites:    7,
			DecoderID:     strPtr("D0000C00"),
		},
	}
}

// TestRoundTrip_KnownTags covers the universal property: decode(encode(m)) == m
// for every message type with known tags.
func TestRoundTrip_KnownTags(t *testing.T) {
	cases := []*Message{
		sampleStatus(),
		{
			Type: MessageTypePassing,
			Passing: &Passing{
				PassingNumber:     42,
				TransponderID:     1001,
				RTCTimeUS:         1_030_500_000,
				Flags:             0,
				Strength:          u16Ptr(88),
				Hits:              u16Ptr(3),
				TransponderString: strPtr("00001001"),
				DecoderID:         strPtr("D0000C01"),
			},
		},
		{
			Type: MessageTypeVersion,
			Version: &Version{
				DecoderID:   "FC05040000000000",
				Description: "P3 Decoder",
				Ver:         "1.4.2",
				Build:       u16Ptr(117),
			},
		},
	}

	for _, want := range cases {
		encoded, err := EncodeFrame(want)
		if err != nil {
			t.Fatalf("EncodeFrame(%v) error: %v", want.Type, err)
		}
		got, err := DecodeFrame(encoded)
		if err != nil {
			t.Fatalf("DecodeFrame() error: %v", err)
		}
		assertMessageEqual(t, want, got)
	}
}

func assertMessageEqual(t *testing.T, want, got *Message) {
	t.Helper()
	if want.Type != got.Type {
		t.Fatalf("Type = %v, want %v", got.Type, want.Type)
	}
	switch want.Type {
	case MessageTypeStatus:
		if got.Status.Noise != want.Status.Noise ||
			got.Status.GPSStatus != want.Status.GPSStatus ||
			got.Status.TemperatureDC != want.Status.TemperatureDC ||
			got.Status.Satellites != want.Status.Satellites ||
			*got.Status.DecoderID != *want.Status.DecoderID {
			t.Fatalf("Status = %+v, want %+v", got.Status, want.Status)
		}
	case MessageTypePassing:
		if got.Passing.PassingNumber != want.Passing.PassingNumber ||
			got.Passing.TransponderID != want.Passing.TransponderID ||
			got.Passing.RTCTimeUS != want.Passing.RTCTimeUS ||
			got.Passing.Flags != want.Passing.Flags ||
			*got.Passing.Strength != *want.Passing.Strength ||
			*got.Passing.Hits != *want.Passing.Hits ||
			*got.Passing.TransponderString != *want.Passing.TransponderString ||
			*got.Passing.DecoderID != *want.Passing.DecoderID {
			t.Fatalf("Passing = %+v, want %+v", got.Passing, want.Passing)
		}
	case MessageTypeVersion:
		if got.Version.DecoderID != want.Version.DecoderID ||
			got.Version.Description != want.Version.Description ||
			got.Version.Ver != want.Version.Ver ||
			*got.Version.Build != *want.Version.Build {
			t.Fatalf("Version = %+v, want %+v", got.Version, want.Version)
		}
	}
}

// TestDecodeFrame_CRCCorruption is scenario S2: a single flipped payload byte
// must surface as CrcMismatch and deliver nothing downstream.
func TestDecodeFrame_CRCCorruption(t *testing.T) {
	encoded, err := EncodeFrame(sampleStatus())
	if err != nil {
		t.Fatalf("EncodeFrame() error: %v", err)
	}

	corrupted := make([]byte, len(encoded))
	copy(corrupted, encoded)
	corrupted[OffsetBody] ^= 0x01

	_, err = DecodeFrame(corrupted)
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrCRCMismatch {
		t.Fatalf("DecodeFrame() error = %v, want CrcMismatch", err)
	}
}

// TestDecodeFrame_NeverPanics is the totality property: for arbitrary byte
// sequences, DecodeFrame must return an error rather than panic.
func TestDecodeFrame_NeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{SOR},
		{SOR, ProtocolVersion},
		{SOR, ProtocolVersion, 0xFF, 0xFF, 0, 0, 0, 0, 0, 0, EOR},
		{0x00, 0x01, 0x02, SOR, Escape},
		bytesOf(SOR, ProtocolVersion, 20, 0, 0, 0, 0, 0, 0xFF, 0xFF),
	}
	for i, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("case %d: DecodeFrame panicked: %v", i, r)
				}
			}()
			_, _ = DecodeFrame(in)
		}()
	}
}

func bytesOf(bs ...byte) []byte { return bs }

// TestDecodeFrame_UnsupportedVersion fails closed on an unrecognized message
// version rather than guessing at an unconfirmed layout.
func TestDecodeFrame_UnsupportedVersion(t *testing.T) {
	encoded, err := EncodeFrame(sampleStatus())
	if err != nil {
		t.Fatalf("EncodeFrame() error: %v", err)
	}
	encoded[OffsetVersion] = 0x09

	_, err = DecodeFrame(encoded)
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrUnsupportedVersion {
		t.Fatalf("DecodeFrame() error = %v, want UnsupportedVersion", err)
	}
}
