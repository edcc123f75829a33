// Package discovery advertises started servers over DNS-SD (mDNS).
//
// Each started server is registered as one service instance named after
// the server. SCTP servers use "_sctp-mgmt._sctp" and TCP servers
// "_sctp-mgmt._tcp". TXT records carry the management name, channel type,
// whether anonymous peers are accepted and the extra bind addresses.
//
// Advertising is optional. The management layer only calls an Advertiser
// when one is configured.
package discovery
