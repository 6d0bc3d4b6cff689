// Package link frames protobuf envelopes over a byte stream to the
// radio, either a local serial port or a TCP socket. The framing is a
// two-byte magic, a big-endian length and the payload; everything else
// on the stream is debug noise to be skipped.
package link

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	magic0 = 0x94
	magic1 = 0xC3

	// Longest payload the firmware will frame. Anything larger means we
	// are reading garbage that happened to look like a header.
	maxPayload = 512

	headerLen = 4
)

// ErrFrameTooLarge marks a header whose declared length exceeds
// maxPayload. The stream position stays where it is; the scanner hunts
// for the next magic from there.
var ErrFrameTooLarge = errors.New("link: frame length exceeds maximum")

// writeFrame frames and writes one payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, headerLen+len(payload))
	buf[0] = magic0
	buf[1] = magic1
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[headerLen:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("link: write frame: %w", err)
	}
	return nil
}

// readFrame scans the stream for the next well-formed frame and returns
// its payload. Bytes before the magic are discarded; the count of
// discarded bytes is returned for logging. Serial radios share the UART
// with their debug console, so garbage between frames is routine.
func readFrame(r *bufio.Reader) (payload []byte, discarded int, err error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, discarded, err
		}
		if b != magic0 {
			discarded++
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return nil, discarded, err
		}
		if b != magic1 {
			discarded++
			if b == magic0 {
				// Could be the real start; retry from it.
				if err := r.UnreadByte(); err != nil {
					return nil, discarded, err
				}
			} else {
				discarded++
			}
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, discarded, err
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		if n > maxPayload {
			// Bogus header. Everything consumed so far counts as
			// noise; resume hunting in place.
			discarded += headerLen
			return nil, discarded, ErrFrameTooLarge
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, discarded, err
		}
		return payload, discarded, nil
	}
}
