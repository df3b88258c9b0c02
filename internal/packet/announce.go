// ABOUTME: Fixed-layout announce datagrams sent by playback clients and the time authority
// ABOUTME: Decoded verbatim from the UDP payload; no framing or validation beyond length
package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ClientAnnounceSize is the wire size of ClientAnnounce.
const ClientAnnounceSize = 32

// AuthorityAnnounceSize is the wire size of AuthorityAnnounce.
const AuthorityAnnounceSize = 24

// ClientAnnounce is multicast periodically by every playback client.
// Field order and widths match the device struct, including its natural
// alignment (the int64 lands on offset 16).
type ClientAnnounce struct {
	Serial                   uint32
	SamplingRate             float32
	CPUPercent               float32
	PresentationOffsetFrames int32
	PresentationOffsetNs     int64
	AudioPTPOffsetNs         int32
	BufferFillPercent        uint8
	PTPLocked                bool
	ModuleID                 uint16
}

// AuthorityAnnounce is multicast periodically by the time authority.
type AuthorityAnnounce struct {
	Serial                 uint32
	USBFeedbackAccumulator uint32
	NumClients             int32
	AvgBufferFillPercent   int32
	NumUnderruns           int32
	NumOverflows           int32
}

// DecodeClientAnnounce reads a ClientAnnounce from the start of b.
// Trailing bytes are ignored.
func DecodeClientAnnounce(b []byte) (ClientAnnounce, error) {
	var a ClientAnnounce
	if err := decodeFixed(b, ClientAnnounceSize, &a); err != nil {
		return ClientAnnounce{}, err
	}
	return a, nil
}

// DecodeAuthorityAnnounce reads an AuthorityAnnounce from the start of b.
func DecodeAuthorityAnnounce(b []byte) (AuthorityAnnounce, error) {
	var a AuthorityAnnounce
	if err := decodeFixed(b, AuthorityAnnounceSize, &a); err != nil {
		return AuthorityAnnounce{}, err
	}
	return a, nil
}

// MarshalBinary encodes the announce in its wire layout.
func (a ClientAnnounce) MarshalBinary() ([]byte, error) {
	return encodeFixed(ClientAnnounceSize, a)
}

// MarshalBinary encodes the announce in its wire layout.
func (a AuthorityAnnounce) MarshalBinary() ([]byte, error) {
	return encodeFixed(AuthorityAnnounceSize, a)
}

func decodeFixed(b []byte, size int, v any) error {
	if len(b) < size {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrShortPacket, len(b), size)
	}
	return binary.Read(bytes.NewReader(b[:size]), binary.LittleEndian, v)
}

func encodeFixed(size int, v any) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
