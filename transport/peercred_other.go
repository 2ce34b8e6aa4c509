//go:build !linux

package transport

import "net"

// peerInfo returns an unknown peer. Peer credentials are only
// available on Linux.
func peerInfo(conn net.Conn) PeerInfo {
	return unknownPeer(addrString(conn.RemoteAddr()))
}
