package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame kinds on stream transports.
const (
	FrameData byte = iota
	FramePing
	FramePong
)

// WriteFrame writes [len:4][kind:1][payload] where len covers kind + payload.
func WriteFrame(w io.Writer, kind byte, payload []byte) error {
	buf := make([]byte, 0, 5+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)+1))
	buf = append(buf, kind)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame, rejecting frames larger than maxSize.
func ReadFrame(r io.Reader, maxSize int) (byte, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if maxSize > 0 && int(n) > maxSize+1 {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}
	return data[0], data[1:], nil
}
