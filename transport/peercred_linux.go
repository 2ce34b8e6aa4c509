package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerInfo returns the credentials of the process at the other end of
// a unix socket, as reported by SO_PEERCRED.
func peerInfo(conn net.Conn) PeerInfo {
	ret := unknownPeer(addrString(conn.RemoteAddr()))
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return ret
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return ret
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil {
		return ret
	}
	ret.UID = int(cred.Uid)
	ret.PID = int(cred.Pid)
	return ret
}
