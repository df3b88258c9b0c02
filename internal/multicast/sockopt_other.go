//go:build !unix

// ABOUTME: Address-reuse stub for platforms without SO_REUSEPORT
// ABOUTME: Binding still works but the port cannot be shared
package multicast

import "syscall"

func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
