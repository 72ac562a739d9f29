package tsprobe

import "errors"

var (
	ErrResolution           = errors.New("destination resolution failed")
	ErrMalformedIPHeader    = errors.New("malformed ipv4 header")
	ErrMalformedHeader      = errors.New("malformed icmp header")
	ErrMalformedBody        = errors.New("malformed timestamp body")
	ErrBadChecksum          = errors.New("bad icmp checksum")
	ErrTimeout              = errors.New("timed out waiting for timestamp reply")
	ErrSend                 = errors.New("send failed")
	ErrReceive              = errors.New("receive failed")
	ErrPlatformNotSupported = errors.New("platform not supported")
)
