package contracts

// LiveEnvelopeKind classifies one outbound WebSocket envelope.
type LiveEnvelopeKind string

const (
	LiveKindSnapshot  LiveEnvelopeKind = "snapshot"
	LiveKindEvent     LiveEnvelopeKind = "event"
	LiveKindHeartbeat LiveEnvelopeKind = "heartbeat"
	LiveKindError     LiveEnvelopeKind = "error"
)

// LiveChannel is a subscribable data stream within one track scope.
type LiveChannel string

const (
	ChannelRace    LiveChannel = "race"
	ChannelDecoder LiveChannel = "decoder"
)

// LiveEnvelopeV1 is one outbound message on the /ws/v1/live subscription.
// For Kind == event on the race channel, Seq is the JetStream stream
// sequence of the underlying race event and doubles as the replay marker a
// client passes back via ?from=. For decoder-channel events and every other
// kind Seq is just a connection-local counter.
type LiveEnvelopeV1 struct {
	Kind    LiveEnvelopeKind `json:"kind"`
	Channel LiveChannel      `json:"channel"`
	TrackID string           `json:"track_id"`
	EventID string           `json:"event_id,omitempty"`
	Seq     uint64           `json:"seq"`
	TsUS    uint64           `json:"ts_us"`
	Payload interface{}      `json:"payload"`
}

// LiveErrorHint tells the subscriber what to do next.
type LiveErrorHint string

const (
	HintRetry               LiveErrorHint = "retry"
	HintReconnectWithMarker LiveErrorHint = "reconnect_with_marker"
	HintPermanent           LiveErrorHint = "permanent"
)

type LiveErrorPayloadV1 struct {
	Code   string        `json:"code"`
	Hint   LiveErrorHint `json:"hint"`
	Marker string        `json:"marker,omitempty"`
}

type EmptyPayloadV1 struct{}

// DecoderStatusRowV1 is one decoder's rolled-up telemetry, used both for the
// decoder-channel snapshot and for individual decoder events.
type DecoderStatusRowV1 struct {
	DecoderID  string `json:"decoder_id"`
	Noise      uint16 `json:"noise"`
	GPSStatus  uint8  `json:"gps_status"`
	TempDC     int16  `json:"temperature_dc"`
	Satellites uint8  `json:"satellites"`
	LastSeenUS uint64 `json:"last_seen_us"`
}

type DecoderSnapshotPayloadV1 struct {
	Rows []DecoderStatusRowV1 `json:"rows"`
}

type DecoderEventPayloadV1 struct {
	MessageType string      `json:"message_type"`
	Message     interface{} `json:"message"`
}
