//go:build linux

package tsprobe

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	capNetAdmin = unix.CAP_NET_ADMIN
	capNetRaw   = unix.CAP_NET_RAW
)

// hasCap reports whether bit is in the calling thread's effective capability set.
func hasCap(bit int) (bool, error) {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false, fmt.Errorf("capget: %w", err)
	}
	if bit < 0 || bit >= 64 {
		return false, fmt.Errorf("capability %d out of range", bit)
	}
	return data[bit/32].Effective&(1<<uint(bit%32)) != 0, nil
}
