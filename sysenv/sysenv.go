// Package sysenv fingerprints the local network environment so the
// Supervisor loop can detect sleep/wake and interface churn without relying
// on any OS-specific sleep notification. The fingerprint is
// an order-independent hash over interface names, hardware addresses, and
// assigned IPs, built with cespare/xxhash/v2: a fast non-cryptographic
// hash is the right choice here since the result is only ever compared,
// never verified.
package sysenv

import (
	"net"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a point-in-time summary of the machine's network-facing
// state. Two fingerprints compare equal iff the set of interfaces and their
// addresses is unchanged, regardless of enumeration order.
type Fingerprint struct {
	Hash      uint64
	Ifaces    int
	Addresses int
}

// Equal reports whether two fingerprints describe the same environment.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Hash == other.Hash
}

// Capture enumerates the host's network interfaces and their addresses and
// reduces them to a Fingerprint. Interfaces that fail to report addresses
// (permission errors, races with hot-unplug) are skipped rather than
// treated as fatal — a best-effort fingerprint is still useful even if one
// interface couldn't be read.
func Capture() (Fingerprint, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Fingerprint{}, err
	}

	lines := make([]string, 0, len(ifaces)*2)
	addrCount := 0
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		addrStrs := make([]string, 0, len(addrs))
		for _, a := range addrs {
			addrStrs = append(addrStrs, a.String())
		}
		sort.Strings(addrStrs)
		addrCount += len(addrStrs)
		lines = append(lines, iface.Name+"|"+iface.HardwareAddr.String()+"|"+strings.Join(addrStrs, ","))
	}
	sort.Strings(lines)

	h := xxhash.New()
	for _, l := range lines {
		_, _ = h.WriteString(l)
		_, _ = h.WriteString("\n")
	}
	return Fingerprint{
		Hash:      h.Sum64(),
		Ifaces:    len(lines),
		Addresses: addrCount,
	}, nil
}

// Changed reports whether capturing now would differ from prev; it is a
// convenience wrapper around calling Capture and Equal separately. The
// Supervisor's per-tick check calls Capture and compares hashes itself.
func Changed(prev Fingerprint) (bool, Fingerprint, error) {
	cur, err := Capture()
	if err != nil {
		return false, Fingerprint{}, err
	}
	return !cur.Equal(prev), cur, nil
}
