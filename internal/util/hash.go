// Package util provides shared logging, traffic statistics, and small helpers.
package util

import (
	"fmt"
	"hash/fnv"
	"net"
)

// LinkID computes a short identifier from a connection's address pair. It is
// used only to tell links apart in logs and does not need to be reversible.
func LinkID(local, remote net.Addr) string {
	h := fnv.New32a()
	if local != nil {
		h.Write([]byte(local.String()))
	}
	if remote != nil {
		h.Write([]byte(remote.String()))
	}
	return fmt.Sprintf("%08x", h.Sum32())
}
