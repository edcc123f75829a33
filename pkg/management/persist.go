package management

import (
	"fmt"
	"maps"
	"slices"

	"github.com/sctpmgmt/sctp-go/pkg/congestion"
	"github.com/sctpmgmt/sctp-go/pkg/persistence"
)

// commitLocked persists the registry. On failure undo restores the previous
// in-memory state. Callers hold mu.
func (m *Management) commitLocked(undo func()) error {
	if err := m.store.Save(m.documentLocked()); err != nil {
		undo()
		return fmt.Errorf("save configuration: %w", err)
	}
	return nil
}

// documentLocked builds the persisted document. Callers hold mu.
func (m *Management) documentLocked() *persistence.Document {
	m.cfgMu.RLock()
	doc := &persistence.Document{
		Version:       persistence.DocumentVersion,
		SavedAt:       m.clock.Now().UTC(),
		ConnectDelay:  m.settings.ConnectDelay,
		BufferSize:    m.settings.BufferSize,
		Congestion:    m.settings.Congestion,
		SocketOptions: m.settings.SocketOptions,
	}
	m.cfgMu.RUnlock()

	for _, name := range slices.Sorted(maps.Keys(m.servers)) {
		info := m.servers[name].info()
		doc.Servers = append(doc.Servers, persistence.ServerRecord{
			Name:            info.Name,
			Address:         info.Address,
			Port:            info.Port,
			ChannelType:     info.ChannelType.String(),
			AcceptAnonymous: info.AcceptAnonymous,
			MaxConcurrent:   info.MaxConcurrentConnections,
			ExtraAddresses:  info.ExtraAddresses,
			Associations:    info.Associations,
		})
	}
	for _, name := range slices.Sorted(maps.Keys(m.associations)) {
		a := m.associations[name]
		doc.Associations = append(doc.Associations, persistence.AssociationRecord{
			Name:                a.name,
			Type:                a.Type().String(),
			LocalAddress:        a.LocalAddress(),
			LocalPort:           a.LocalPort(),
			PeerAddress:         a.PeerAddress(),
			PeerPort:            a.PeerPort(),
			ChannelType:         a.ChannelType().String(),
			Server:              a.ServerName(),
			ExtraLocalAddresses: a.ExtraLocalAddresses(),
		})
	}
	return doc
}

// applyDocument recreates the persisted settings, servers and associations.
// Everything is created stopped. Callers hold mu.
func (m *Management) applyDocument(doc *persistence.Document) error {
	m.cfgMu.Lock()
	if doc.ConnectDelay > 0 {
		m.settings.ConnectDelay = doc.ConnectDelay
	}
	if doc.BufferSize > 0 {
		m.settings.BufferSize = doc.BufferSize
	}
	if doc.Congestion.Validate() == nil && doc.Congestion != (congestion.Thresholds{}) {
		m.settings.Congestion = doc.Congestion
	}
	if doc.SocketOptions.Validate() == nil && doc.SocketOptions.MaxInboundStreams > 0 {
		m.settings.SocketOptions = doc.SocketOptions
	}
	m.cfgMu.Unlock()

	for _, rec := range doc.Servers {
		ct, err := ParseChannelType(rec.ChannelType)
		if err != nil {
			return fmt.Errorf("server %s: %w", rec.Name, err)
		}
		if err := m.checkServerLocked(rec.Name, rec.Address, rec.Port, ct, ""); err != nil {
			return fmt.Errorf("server %s: %w", rec.Name, err)
		}
		m.servers[rec.Name] = newServer(m, rec.Name, rec.Address, rec.Port, ct,
			rec.AcceptAnonymous, rec.MaxConcurrent, rec.ExtraAddresses)
	}

	byName := make(map[string]persistence.AssociationRecord, len(doc.Associations))
	for _, rec := range doc.Associations {
		byName[rec.Name] = rec
	}
	// Server associations are created in their servers' recorded order.
	var ordered []persistence.AssociationRecord
	seen := make(map[string]bool)
	for _, srv := range doc.Servers {
		for _, name := range srv.Associations {
			if rec, ok := byName[name]; ok && !seen[name] {
				ordered = append(ordered, rec)
				seen[name] = true
			}
		}
	}
	for _, rec := range doc.Associations {
		if !seen[rec.Name] {
			ordered = append(ordered, rec)
		}
	}

	for _, rec := range ordered {
		if err := m.loadAssociation(rec); err != nil {
			return fmt.Errorf("association %s: %w", rec.Name, err)
		}
	}
	return nil
}

func (m *Management) loadAssociation(rec persistence.AssociationRecord) error {
	ct, err := ParseChannelType(rec.ChannelType)
	if err != nil {
		return err
	}
	typ, err := ParseAssociationType(rec.Type)
	if err != nil {
		return err
	}
	if _, ok := m.associations[rec.Name]; ok {
		return ErrDuplicateName
	}

	switch typ {
	case AssociationClient:
		a, err := newAssociation(m, rec.Name, clientRole{}, rec.LocalAddress, rec.LocalPort,
			rec.PeerAddress, rec.PeerPort, ct, rec.ExtraLocalAddresses)
		if err != nil {
			return err
		}
		m.associations[rec.Name] = a
	case AssociationServer:
		s, ok := m.servers[rec.Server]
		if !ok {
			return fmt.Errorf("%w: server %q", ErrNotFound, rec.Server)
		}
		a, err := newAssociation(m, rec.Name, serverRole{server: rec.Server}, rec.LocalAddress, rec.LocalPort,
			rec.PeerAddress, rec.PeerPort, ct, rec.ExtraLocalAddresses)
		if err != nil {
			return err
		}
		m.associations[rec.Name] = a
		s.addOwned(a)
	default:
		return fmt.Errorf("%w: %s associations are not persisted", ErrInvalidConfig, typ)
	}
	return nil
}
