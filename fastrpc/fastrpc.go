package fastrpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame codes. Every frame on a TCP connection is one code byte, a big
// endian uint32 length and that many bytes of payload.
const (
	HELLO uint8 = iota + 1
	MSG
)

const HEADERLEN = 5
const MAXFRAMELEN = 4 << 20

type FrameTooLargeError struct {
	Len uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds %d", e.Len, MAXFRAMELEN)
}

// WriteFrame writes one frame; the caller flushes.
func WriteFrame(w *bufio.Writer, code uint8, payload []byte) error {
	if len(payload) > MAXFRAMELEN {
		return &FrameTooLargeError{uint32(len(payload))}
	}
	var hdr [HEADERLEN]byte
	hdr[0] = code
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame. An oversize length is rejected before anything
// is allocated for it.
func ReadFrame(r *bufio.Reader) (uint8, []byte, error) {
	var hdr [HEADERLEN]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	l := binary.BigEndian.Uint32(hdr[1:])
	if l > MAXFRAMELEN {
		return 0, nil, &FrameTooLargeError{l}
	}
	payload := make([]byte, l)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}
