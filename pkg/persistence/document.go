package persistence

import (
	"time"

	"github.com/sctpmgmt/sctp-go/pkg/congestion"
	"github.com/sctpmgmt/sctp-go/pkg/transport"
)

// DocumentVersion is the current version of the configuration format.
const DocumentVersion = 1

// Document is the persisted configuration of one management instance.
type Document struct {
	// Version is the document format version.
	Version int `yaml:"version"`

	// SavedAt is when the document was last saved.
	SavedAt time.Time `yaml:"saved_at"`

	ConnectDelay  time.Duration           `yaml:"connect_delay"`
	BufferSize    int                     `yaml:"buffer_size"`
	Congestion    congestion.Thresholds   `yaml:"congestion"`
	SocketOptions transport.SocketOptions `yaml:"socket_options"`

	Servers      []ServerRecord      `yaml:"servers,omitempty"`
	Associations []AssociationRecord `yaml:"associations,omitempty"`
}

// ServerRecord is one configured server.
type ServerRecord struct {
	Name            string   `yaml:"name"`
	Address         string   `yaml:"address"`
	Port            int      `yaml:"port"`
	ChannelType     string   `yaml:"channel_type"`
	AcceptAnonymous bool     `yaml:"accept_anonymous"`
	MaxConcurrent   int      `yaml:"max_concurrent_connections"`
	ExtraAddresses  []string `yaml:"extra_addresses,omitempty"`

	// Associations lists owned association names in creation order.
	Associations []string `yaml:"associations,omitempty"`
}

// AssociationRecord is one configured association. Server is empty for
// client associations.
type AssociationRecord struct {
	Name                string   `yaml:"name"`
	Type                string   `yaml:"type"`
	LocalAddress        string   `yaml:"local_address,omitempty"`
	LocalPort           int      `yaml:"local_port,omitempty"`
	PeerAddress         string   `yaml:"peer_address"`
	PeerPort            int      `yaml:"peer_port"`
	ChannelType         string   `yaml:"channel_type"`
	Server              string   `yaml:"server,omitempty"`
	ExtraLocalAddresses []string `yaml:"extra_local_addresses,omitempty"`
}

// Store loads and saves the configuration document.
type Store interface {
	// Load returns the stored document, or nil, nil when none exists.
	Load() (*Document, error)

	// Save replaces the stored document.
	Save(doc *Document) error

	// Clear removes the stored document.
	Clear() error
}
