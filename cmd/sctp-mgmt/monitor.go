package main

import (
	"log/slog"

	"github.com/sctpmgmt/sctp-go/pkg/management"
	"github.com/sctpmgmt/sctp-go/pkg/wire"
)

// monitor logs management activity and inbound payloads. It becomes the
// listener of every association and decides on anonymous peers.
type monitor struct {
	management.NopManagementEventListener

	logger          *slog.Logger
	acceptAnonymous bool
}

func newMonitor(logger *slog.Logger, acceptAnonymous bool) *monitor {
	return &monitor{logger: logger, acceptAnonymous: acceptAnonymous}
}

// attach registers the monitor on m. Associations added later pick it up
// in OnAssociationAdded.
func (mon *monitor) attach(m *management.Management) {
	m.AddManagementEventListener(mon)
	m.AddCongestionListener(mon)
	m.SetServerListener(mon)
}

// adopt becomes the listener of associations loaded on start.
func (mon *monitor) adopt(assocs []*management.Association) {
	for _, a := range assocs {
		a.SetListener(mon)
	}
}

// ManagementEventListener

func (mon *monitor) OnServiceStarted() {
	mon.logger.Info("management started")
}

func (mon *monitor) OnServiceStopped() {
	mon.logger.Info("management stopped")
}

func (mon *monitor) OnRemoveAllResources() {
	mon.logger.Info("all resources removed")
}

func (mon *monitor) OnServerAdded(s management.ServerInfo) {
	mon.logger.Info("server added", "server", s.Name, "addr", s.Address, "port", s.Port, "type", s.ChannelType)
}

func (mon *monitor) OnServerRemoved(s management.ServerInfo) {
	mon.logger.Info("server removed", "server", s.Name)
}

func (mon *monitor) OnServerStarted(s management.ServerInfo) {
	mon.logger.Info("server started", "server", s.Name, "listen", s.ListenAddrs)
}

func (mon *monitor) OnServerStopped(s management.ServerInfo) {
	mon.logger.Info("server stopped", "server", s.Name)
}

func (mon *monitor) OnAssociationAdded(a *management.Association) {
	a.SetListener(mon)
	mon.logger.Info("association added", "association", a.Name(), "type", a.Type())
}

func (mon *monitor) OnAssociationRemoved(a *management.Association) {
	mon.logger.Info("association removed", "association", a.Name())
}

func (mon *monitor) OnAssociationUp(a *management.Association) {
	in, out := a.Streams()
	mon.logger.Info("association up", "association", a.Name(), "in", in, "out", out)
}

func (mon *monitor) OnAssociationDown(a *management.Association) {
	mon.logger.Info("association down", "association", a.Name())
}

// AssociationListener

func (mon *monitor) OnCommunicationUp(a *management.Association, in, out int) {
	mon.logger.Debug("communication up", "association", a.Name(), "peer", a.PeerAddress(), "peerPort", a.PeerPort())
}

func (mon *monitor) OnCommunicationShutdown(a *management.Association) {
	mon.logger.Info("peer shut down", "association", a.Name())
}

func (mon *monitor) OnCommunicationLost(a *management.Association) {
	mon.logger.Warn("communication lost", "association", a.Name())
}

func (mon *monitor) OnCommunicationRestart(a *management.Association) {
	mon.logger.Warn("communication restarted", "association", a.Name())
}

func (mon *monitor) OnPayload(a *management.Association, p wire.PayloadData) {
	mon.logger.Info("payload", "association", a.Name(), "stream", p.StreamNumber(),
		"ppid", p.PayloadProtocolID(), "len", p.DataLength())
}

func (mon *monitor) InValidStreamId(p wire.PayloadData) {
	mon.logger.Warn("payload on invalid stream", "stream", p.StreamNumber(), "len", p.DataLength())
}

// CongestionListener

func (mon *monitor) OnCongestionLevelChanged(a *management.Association, level int) {
	mon.logger.Warn("congestion level changed", "association", a.Name(), "level", level)
}

// ServerListener

func (mon *monitor) OnNewRemoteConnection(s management.ServerInfo, a *management.Association) {
	if !mon.acceptAnonymous {
		mon.logger.Info("anonymous peer rejected", "server", s.Name, "peer", a.PeerAddress(), "peerPort", a.PeerPort())
		a.RejectAnonymous()
		return
	}
	if err := a.AcceptAnonymous(mon); err != nil {
		mon.logger.Warn("accept anonymous peer failed", "server", s.Name, "error", err)
		return
	}
	mon.logger.Info("anonymous peer accepted", "server", s.Name, "association", a.Name(),
		"peer", a.PeerAddress(), "peerPort", a.PeerPort())
}

var (
	_ management.ManagementEventListener = (*monitor)(nil)
	_ management.AssociationListener     = (*monitor)(nil)
	_ management.CongestionListener      = (*monitor)(nil)
	_ management.ServerListener          = (*monitor)(nil)
)
