package tsprobe

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/ipv4"
)

const (
	HeaderLen  = 8                   // type, code, checksum, identifier, sequence
	BodyLen    = 12                  // originate, receive, transmit
	MessageLen = HeaderLen + BodyLen // full timestamp message

	ipv4MinHeaderLen = 20
)

// Header is the fixed 8-byte prefix shared by ICMP Timestamp Request and Reply.
type Header struct {
	Type     ipv4.ICMPType
	Code     uint8
	Checksum uint16
	ID       uint16
	Seq      uint16
}

// Marshal encodes the header with a zero checksum placeholder.
func (h *Header) Marshal() []byte {
	b := make([]byte, HeaderLen)
	b[0] = byte(h.Type)
	b[1] = h.Code
	binary.BigEndian.PutUint16(b[4:], h.ID)
	binary.BigEndian.PutUint16(b[6:], h.Seq)
	return b
}

// ParseHeader decodes the 8-byte ICMP header at the start of b and returns the
// bytes that follow it.
func ParseHeader(b []byte) (*Header, []byte, error) {
	if len(b) < HeaderLen {
		return nil, nil, fmt.Errorf("%w: need %d bytes, got %d", ErrMalformedHeader, HeaderLen, len(b))
	}
	h := &Header{
		Type:     ipv4.ICMPType(b[0]),
		Code:     b[1],
		Checksum: binary.BigEndian.Uint16(b[2:4]),
		ID:       binary.BigEndian.Uint16(b[4:6]),
		Seq:      binary.BigEndian.Uint16(b[6:8]),
	}
	return h, b[HeaderLen:], nil
}

// Checksum computes the Internet checksum (RFC 1071) of header followed by
// body. The checksum field (header bytes 2..3) is treated as zero.
func Checksum(header, body []byte) uint16 {
	b := make([]byte, 0, len(header)+len(body))
	b = append(b, header...)
	b = append(b, body...)
	if len(b) >= 4 {
		b[2], b[3] = 0, 0
	}
	return internetChecksum(b)
}

// ChecksumValid re-sums a whole ICMP message, checksum field included. A
// correctly checksummed message sums to zero.
func ChecksumValid(msg []byte) bool {
	return internetChecksum(msg) == 0
}

func internetChecksum(b []byte) uint16 {
	var s uint32
	for i := 0; i+1 < len(b); i += 2 {
		s += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)%2 == 1 {
		s += uint32(b[len(b)-1]) << 8
	}
	for s>>16 != 0 {
		s = (s & 0xffff) + (s >> 16)
	}
	return ^uint16(s)
}

// StripIPv4Header reads the version/IHL byte of an IPv4 datagram and returns
// the header length together with the payload that follows it. Raw ICMP
// sockets deliver the IPv4 header along with every datagram.
func StripIPv4Header(b []byte) (int, []byte, error) {
	if len(b) < 1 {
		return 0, nil, fmt.Errorf("%w: empty datagram", ErrMalformedIPHeader)
	}
	if v := b[0] >> 4; v != 4 {
		return 0, nil, fmt.Errorf("%w: version %d", ErrMalformedIPHeader, v)
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < ipv4MinHeaderLen {
		return 0, nil, fmt.Errorf("%w: header length %d", ErrMalformedIPHeader, ihl)
	}
	if ihl > len(b) {
		return 0, nil, fmt.Errorf("%w: header length %d exceeds datagram length %d", ErrMalformedIPHeader, ihl, len(b))
	}
	return ihl, b[ihl:], nil
}

// Message is a complete ICMP Timestamp Request or Reply.
type Message struct {
	Header
	Originate uint32
	Receive   uint32
	Transmit  uint32
}

// NewRequest builds a Timestamp Request with all three timestamps set to now.
func NewRequest(id, seq uint16, now uint32) *Message {
	return &Message{
		Header:    Header{Type: ipv4.ICMPTypeTimestamp, ID: id, Seq: seq},
		Originate: now,
		Receive:   now,
		Transmit:  now,
	}
}

// Marshal encodes the message and embeds its checksum. The Checksum field of
// m is updated to the value written.
func (m *Message) Marshal() []byte {
	hdr := m.Header.Marshal()
	body := make([]byte, BodyLen)
	PutTimestamp(body[0:], m.Originate)
	PutTimestamp(body[4:], m.Receive)
	PutTimestamp(body[8:], m.Transmit)

	m.Checksum = Checksum(hdr, body)
	binary.BigEndian.PutUint16(hdr[2:], m.Checksum)
	return append(hdr, body...)
}

// ParseMessage decodes an ICMP timestamp message (no IPv4 header).
func ParseMessage(b []byte) (*Message, error) {
	h, rest, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: *h}
	if err := m.parseBody(rest); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) parseBody(b []byte) error {
	if len(b) < BodyLen {
		return fmt.Errorf("%w: need %d bytes, got %d", ErrMalformedBody, BodyLen, len(b))
	}
	var err error
	if m.Originate, err = DecodeTimestamp(b[0:]); err != nil {
		return err
	}
	if m.Receive, err = DecodeTimestamp(b[4:]); err != nil {
		return err
	}
	if m.Transmit, err = DecodeTimestamp(b[8:]); err != nil {
		return err
	}
	return nil
}
