package management

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

// Management errors.
var (
	ErrNotStarted          = errors.New("management not started")
	ErrAlreadyStarted      = errors.New("management already started")
	ErrDuplicateName       = errors.New("name already in use")
	ErrAddressInUse        = errors.New("server address already in use")
	ErrNotFound            = errors.New("not found")
	ErrDependencyViolation = errors.New("dependency violation")
	ErrNotConnected        = errors.New("association not connected")
	ErrInvalidStream       = errors.New("invalid stream number")
	ErrTransportFailure    = errors.New("transport failure")
	ErrInvalidConfig       = errors.New("invalid configuration")
)

// ChannelType selects the transport of a server or association.
type ChannelType uint8

const (
	// ChannelSCTP carries associations over SCTP.
	ChannelSCTP ChannelType = 0
	// ChannelTCP carries associations over TCP.
	ChannelTCP ChannelType = 1
)

// String returns the channel type name.
func (c ChannelType) String() string {
	switch c {
	case ChannelSCTP:
		return "SCTP"
	case ChannelTCP:
		return "TCP"
	default:
		return "UNKNOWN"
	}
}

// Code returns the numeric channel type code.
func (c ChannelType) Code() int { return int(c) }

// ParseChannelType parses a channel type name, ignoring case.
func ParseChannelType(s string) (ChannelType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SCTP":
		return ChannelSCTP, nil
	case "TCP":
		return ChannelTCP, nil
	}
	return 0, fmt.Errorf("%w: channel type %q", ErrInvalidConfig, s)
}

// ChannelTypeFromCode returns the channel type with the given code.
func ChannelTypeFromCode(code int) (ChannelType, error) {
	switch code {
	case 0:
		return ChannelSCTP, nil
	case 1:
		return ChannelTCP, nil
	}
	return 0, fmt.Errorf("%w: channel type code %d", ErrInvalidConfig, code)
}

// MarshalText implements encoding.TextMarshaler.
func (c ChannelType) MarshalText() ([]byte, error) {
	if c > ChannelTCP {
		return nil, fmt.Errorf("%w: channel type %d", ErrInvalidConfig, c)
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ChannelType) UnmarshalText(b []byte) error {
	v, err := ParseChannelType(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// AssociationType tells how an association is established.
type AssociationType uint8

const (
	// AssociationClient dials its peer.
	AssociationClient AssociationType = iota
	// AssociationServer is accepted by its owning server.
	AssociationServer
	// AssociationAnonymousServer is a transient association accepted from
	// a peer no SERVER association expects.
	AssociationAnonymousServer
)

// String returns the association type name.
func (t AssociationType) String() string {
	switch t {
	case AssociationClient:
		return "CLIENT"
	case AssociationServer:
		return "SERVER"
	case AssociationAnonymousServer:
		return "ANONYMOUS_SERVER"
	default:
		return "UNKNOWN"
	}
}

// ParseAssociationType parses an association type name, ignoring case.
func ParseAssociationType(s string) (AssociationType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CLIENT":
		return AssociationClient, nil
	case "SERVER":
		return AssociationServer, nil
	case "ANONYMOUS_SERVER":
		return AssociationAnonymousServer, nil
	}
	return 0, fmt.Errorf("%w: association type %q", ErrInvalidConfig, s)
}

// State is the connection state of an association.
type State uint8

const (
	// StateIdle - not connecting. Started SERVER associations wait here for
	// their server to hand them a channel.
	StateIdle State = iota

	// StateConnecting - a CLIENT association is dialing or waiting to retry.
	StateConnecting

	// StateConnected - a channel is established.
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// AssociationListener receives the data-plane events of one association.
// Calls for one association are never concurrent.
type AssociationListener interface {
	// OnCommunicationUp is called when a channel is established.
	OnCommunicationUp(a *Association, maxInboundStreams, maxOutboundStreams int)

	// OnCommunicationShutdown is called when the peer closed the channel
	// cleanly.
	OnCommunicationShutdown(a *Association)

	// OnCommunicationLost is called when the channel failed.
	OnCommunicationLost(a *Association)

	// OnCommunicationRestart is called when the transport restarted the
	// association without tearing the channel down.
	OnCommunicationRestart(a *Association)

	// OnPayload is called for every inbound payload on a negotiated stream.
	OnPayload(a *Association, p wire.PayloadData)

	// InValidStreamId is called for an inbound payload on a stream outside
	// the negotiated range.
	InValidStreamId(p wire.PayloadData)
}

// CongestionListener receives congestion level changes of all
// associations.
type CongestionListener interface {
	OnCongestionLevelChanged(a *Association, level int)
}

// ServerListener decides on anonymous connections. OnNewRemoteConnection
// must call a.AcceptAnonymous or a.RejectAnonymous before returning; a
// connection without a decision is rejected.
type ServerListener interface {
	OnNewRemoteConnection(server ServerInfo, a *Association)
}

// ManagementEventListener is notified of structural changes. Embed
// NopManagementEventListener to implement only some of the methods.
type ManagementEventListener interface {
	OnServiceStarted()
	OnServiceStopped()
	OnRemoveAllResources()

	OnServerAdded(s ServerInfo)
	OnServerRemoved(s ServerInfo)
	OnServerStarted(s ServerInfo)
	OnServerStopped(s ServerInfo)
	OnServerModified(s ServerInfo)

	OnAssociationAdded(a *Association)
	OnAssociationRemoved(a *Association)
	OnAssociationStarted(a *Association)
	OnAssociationStopped(a *Association)
	OnAssociationUp(a *Association)
	OnAssociationDown(a *Association)
	OnAssociationModified(a *Association)
}

// NopManagementEventListener implements ManagementEventListener with no-ops.
type NopManagementEventListener struct{}

func (NopManagementEventListener) OnServiceStarted()                  {}
func (NopManagementEventListener) OnServiceStopped()                  {}
func (NopManagementEventListener) OnRemoveAllResources()              {}
func (NopManagementEventListener) OnServerAdded(ServerInfo)           {}
func (NopManagementEventListener) OnServerRemoved(ServerInfo)         {}
func (NopManagementEventListener) OnServerStarted(ServerInfo)         {}
func (NopManagementEventListener) OnServerStopped(ServerInfo)         {}
func (NopManagementEventListener) OnServerModified(ServerInfo)        {}
func (NopManagementEventListener) OnAssociationAdded(*Association)    {}
func (NopManagementEventListener) OnAssociationRemoved(*Association)  {}
func (NopManagementEventListener) OnAssociationStarted(*Association)  {}
func (NopManagementEventListener) OnAssociationStopped(*Association)  {}
func (NopManagementEventListener) OnAssociationUp(*Association)       {}
func (NopManagementEventListener) OnAssociationDown(*Association)     {}
func (NopManagementEventListener) OnAssociationModified(*Association) {}

var _ ManagementEventListener = NopManagementEventListener{}
