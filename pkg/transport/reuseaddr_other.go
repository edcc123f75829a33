//go:build !unix

package transport

import "syscall"

// reuseAddrControl is a no-op where SO_REUSEADDR has different semantics.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
