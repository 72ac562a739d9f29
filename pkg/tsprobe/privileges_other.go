//go:build !linux

package tsprobe

const (
	capNetAdmin = 12
	capNetRaw   = 13
)

func hasCap(bit int) (bool, error) {
	return false, ErrPlatformNotSupported
}
