//go:build !unix && !windows

package discovery

import "syscall"

// setBroadcast leaves the socket as the runtime opened it
func setBroadcast(_, _ string, _ syscall.RawConn) error {
	return nil
}
