package network

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Stream framing. Each frame is a little-endian u32 payload length followed
// by the payload, matching the byte order of the repair wire codec the
// frames carry. Writers own a reusable buffer and emit prefix and payload
// in one Write call, so frames on a shared stream never interleave.

// maxFramePayload is the largest accepted payload (16 MB), well above any
// summary a repair round produces.
const maxFramePayload = 16 << 20

// frameWriter writes length-prefixed frames to a stream.
type frameWriter struct {
	w   io.Writer
	buf []byte
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

// writeFrame emits one frame as a single write.
func (fw *frameWriter) writeFrame(data []byte) error {
	if len(data) > maxFramePayload {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFramePayload)
	}

	fw.buf = fw.buf[:0]
	fw.buf = binary.LittleEndian.AppendUint32(fw.buf, uint32(len(data)))
	fw.buf = append(fw.buf, data...)

	if _, err := fw.w.Write(fw.buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// frameReader reads length-prefixed frames from a stream.
type frameReader struct {
	r      *bufio.Reader
	prefix [4]byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 32<<10)}
}

// readFrame returns the next payload. A stream that ends cleanly between
// frames yields io.EOF unwrapped, so callers can tell orderly shutdown
// from a truncated frame.
func (fr *frameReader) readFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.LittleEndian.Uint32(fr.prefix[:])

	if length > maxFramePayload {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFramePayload)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(fr.r, data); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return data, nil
}
