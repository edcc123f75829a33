package log

import "time"

// Event is one captured association event.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the transport channel (UUID). Empty for
	// events that are not tied to a live channel.
	ConnectionID string `cbor:"2,keyasint,omitempty"`

	// Direction indicates data flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// Association is the association name.
	Association string `cbor:"6,keyasint,omitempty"`

	// Server is the owning server name.
	Server string `cbor:"7,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"8,keyasint,omitempty"`

	// ChannelType is SCTP or TCP.
	ChannelType string `cbor:"9,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Payload     *PayloadEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Congestion  *CongestionEvent  `cbor:"14,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"15,keyasint,omitempty"`
}

// Direction indicates the direction of data flow.
type Direction uint8

const (
	// DirectionIn indicates received data.
	DirectionIn Direction = 0
	// DirectionOut indicates sent data.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the channel layer (frames, control frames).
	LayerTransport Layer = 0
	// LayerAssociation is the association state machine.
	LayerAssociation Layer = 1
	// LayerManagement is the registry and server endpoints.
	LayerManagement Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerAssociation:
		return "ASSOCIATION"
	case LayerManagement:
		return "MANAGEMENT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryPayload indicates user data.
	CategoryPayload Category = 0
	// CategoryControl indicates a control frame (init/ping/pong/shutdown).
	CategoryControl Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryCongestion indicates a congestion level change.
	CategoryCongestion Category = 3
	// CategoryError indicates an error event.
	CategoryError Category = 4
	// CategoryFrame indicates a raw transport frame.
	CategoryFrame Category = 5
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryPayload:
		return "PAYLOAD"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryCongestion:
		return "CONGESTION"
	case CategoryError:
		return "ERROR"
	case CategoryFrame:
		return "FRAME"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame sizes at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// PayloadEvent captures one sent or received payload chunk.
type PayloadEvent struct {
	Stream            int    `cbor:"1,keyasint"`
	PayloadProtocolID uint32 `cbor:"2,keyasint"`
	Length            int    `cbor:"3,keyasint"`
	Unordered         bool   `cbor:"4,keyasint,omitempty"`
	Complete          bool   `cbor:"5,keyasint,omitempty"`

	// Data holds the leading bytes of the payload (may be truncated).
	Data      []byte `cbor:"6,keyasint,omitempty"`
	Truncated bool   `cbor:"7,keyasint,omitempty"`

	// Delay is the send duration (outbound only).
	Delay time.Duration `cbor:"8,keyasint,omitempty"`
}

// StateChangeEvent captures association, server and service lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityAssociation indicates an association state change.
	StateEntityAssociation StateEntity = 0
	// StateEntityServer indicates a server endpoint state change.
	StateEntityServer StateEntity = 1
	// StateEntityManagement indicates a management service state change.
	StateEntityManagement StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityAssociation:
		return "ASSOCIATION"
	case StateEntityServer:
		return "SERVER"
	case StateEntityManagement:
		return "MANAGEMENT"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures transport control frames.
type ControlMsgEvent struct {
	// Type of control frame.
	Type ControlMsgType `cbor:"1,keyasint"`

	// Sequence is the ping/pong sequence number.
	Sequence uint32 `cbor:"2,keyasint,omitempty"`

	// Stream counts carried by init frames.
	InboundStreams  int `cbor:"3,keyasint,omitempty"`
	OutboundStreams int `cbor:"4,keyasint,omitempty"`
}

// ControlMsgType indicates the type of control frame.
type ControlMsgType uint8

const (
	// ControlMsgInit indicates a stream negotiation frame.
	ControlMsgInit ControlMsgType = 0
	// ControlMsgPing indicates a ping frame.
	ControlMsgPing ControlMsgType = 1
	// ControlMsgPong indicates a pong frame.
	ControlMsgPong ControlMsgType = 2
	// ControlMsgShutdown indicates a graceful shutdown frame.
	ControlMsgShutdown ControlMsgType = 3
)

// String returns the control frame type name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgInit:
		return "INIT"
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	case ControlMsgShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// CongestionEvent captures a congestion level change.
type CongestionEvent struct {
	OldLevel int           `cbor:"1,keyasint"`
	NewLevel int           `cbor:"2,keyasint"`
	Estimate time.Duration `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
