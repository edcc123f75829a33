package discovery

import (
	"context"
	"errors"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceTypeSCTP is the service type for SCTP servers.
	ServiceTypeSCTP = "_sctp-mgmt._sctp"

	// ServiceTypeTCP is the service type for TCP servers.
	ServiceTypeTCP = "_sctp-mgmt._tcp"

	// Domain is the mDNS domain.
	Domain = "local"
)

// TXT record keys.
const (
	TXTKeyManagement = "mg"  // Management instance name
	TXTKeyChannel    = "ch"  // Channel type (SCTP, TCP)
	TXTKeyAnonymous  = "an"  // "1" when anonymous peers are accepted
	TXTKeyExtra      = "xa"  // Extra bind addresses (comma-separated)
	TXTKeyMaxAnon    = "max" // Anonymous concurrency limit (0 = unlimited)
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// BrowseTimeout is the default timeout for mDNS browsing.
	BrowseTimeout = 10 * time.Second
)

// Errors.
var (
	ErrNotFound            = errors.New("service not found")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrMissingRequired     = errors.New("missing required TXT field")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
)

// TXTRecordMap holds TXT key/value pairs.
type TXTRecordMap map[string]string

// ServerInfo describes one advertised server.
type ServerInfo struct {
	// Instance is the server name.
	Instance string

	// Management names the owning management instance.
	Management string

	// ChannelType is "SCTP" or "TCP".
	ChannelType string

	Port            uint16
	AcceptAnonymous bool
	MaxAnonymous    int
	ExtraAddresses  []string
}

// ServerService is a server found by browsing.
type ServerService struct {
	ServerInfo

	Host      string
	Addresses []string
}

// AdvertiserConfig configures the mDNS advertiser.
type AdvertiserConfig struct {
	// Interface restricts advertising to one interface (empty = all).
	Interface string

	// TTL for the records (0 = library default).
	TTL time.Duration
}

// BrowserConfig configures the mDNS browser.
type BrowserConfig struct {
	// Interface restricts browsing to one interface (empty = all).
	Interface string
}

// Advertiser publishes started servers.
type Advertiser interface {
	// AdvertiseServer starts or replaces the advertisement of a server.
	AdvertiseServer(ctx context.Context, info *ServerInfo) error

	// StopServer withdraws a server's advertisement.
	StopServer(name string) error

	// StopAll withdraws every advertisement.
	StopAll()
}

// Browser finds advertised servers.
type Browser interface {
	// BrowseServers streams servers of a channel type until ctx ends.
	BrowseServers(ctx context.Context, channelType string) (<-chan *ServerService, error)

	// Stop ends browsing.
	Stop()
}

// ServiceType returns the service type for a channel type name.
func ServiceType(channelType string) string {
	if channelType == "TCP" {
		return ServiceTypeTCP
	}
	return ServiceTypeSCTP
}
