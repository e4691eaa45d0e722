// Package chunked implements Transfer-Encoding: chunked framing.
//
// The decoder is push-based: it is handed whatever bytes have arrived and
// keeps its position across calls, so a chunk-size line or chunk body split
// over many network reads is resumed, never discarded.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7.1
package chunked

import (
	"bytes"
	"strconv"

	"httpcore/message"

	"github.com/pkg/errors"
)

var (
	ErrBadChunkSize = errors.New("chunk size is not valid hex")
	ErrBadFraming   = errors.New("chunk delimiter is malformed")
)

type decodeState uint8

const (
	stateSizeLine decodeState = iota
	stateData
	stateDataEnd
	stateTrailers
	stateDone
)

type Decoder struct {
	state  decodeState
	line   []byte // partial size/trailer line across feeds
	remain uint64 // data bytes left in the current chunk

	trailers []message.Field
}

// Trailers returns the trailer fields read after the last chunk.
// Only valid once Next has reported done.
func (d *Decoder) Trailers() []message.Field { return d.trailers }

// Next consumes framing and data from in. It returns the number of bytes
// consumed, a view into in holding decoded body data (possibly empty and
// possibly a partial chunk), and done once the last chunk and its trailers
// have been consumed. Callers feed the same buffer again, advanced by n,
// until n == 0 or done.
func (d *Decoder) Next(in []byte) (n int, data []byte, done bool, err error) {
	for n < len(in) {
		switch d.state {
		case stateSizeLine:
			line, used, ok := d.takeLine(in[n:])
			n += used
			if !ok {
				return n, nil, false, nil
			}

			size, err := parseChunkSize(line)
			if err != nil {
				return n, nil, false, err
			}

			if size == 0 {
				d.state = stateTrailers
				break
			}
			d.remain = size
			d.state = stateData

		case stateData:
			take := uint64(len(in) - n)
			if take > d.remain {
				take = d.remain
			}
			data = in[n : n+int(take)]
			n += int(take)
			d.remain -= take
			if d.remain == 0 {
				d.state = stateDataEnd
			}
			// Return at most one data segment per call.
			return n, data, false, nil

		case stateDataEnd:
			// CRLF (or bare LF) closing the chunk data.
			line, used, ok := d.takeLine(in[n:])
			n += used
			if !ok {
				return n, nil, false, nil
			}
			if len(line) != 0 {
				return n, nil, false, ErrBadFraming
			}
			d.state = stateSizeLine

		case stateTrailers:
			line, used, ok := d.takeLine(in[n:])
			n += used
			if !ok {
				return n, nil, false, nil
			}

			if len(line) == 0 {
				d.state = stateDone
				return n, nil, true, nil
			}

			field, err := message.ParseField(line)
			if err != nil {
				return n, nil, false, errors.Wrap(err, "parsing trailer")
			}
			d.trailers = append(d.trailers, field)

		case stateDone:
			return n, nil, true, nil
		}
	}

	return n, nil, d.state == stateDone, nil
}

// takeLine accumulates bytes until LF. ok is false while the line is still
// incomplete. The returned line excludes the terminator; a trailing CR is
// stripped (bare LF is tolerated).
func (d *Decoder) takeLine(in []byte) (line []byte, n int, ok bool) {
	idx := bytes.IndexByte(in, message.LF)
	if idx < 0 {
		d.line = append(d.line, in...)
		return nil, len(in), false
	}

	d.line = append(d.line, in[:idx]...)
	line = d.line
	d.line = nil

	if len(line) > 0 && line[len(line)-1] == message.CR {
		line = line[:len(line)-1]
	}

	return line, idx + 1, true
}

func parseChunkSize(line []byte) (uint64, error) {
	// Chunk extensions are tolerated and ignored.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7.1.1
	sizeRaw, _, _ := bytes.Cut(line, []byte{';'})
	sizeRaw = bytes.Trim(sizeRaw, " \t")

	size, err := strconv.ParseUint(string(sizeRaw), 16, 63)
	if err != nil {
		return 0, errors.Wrapf(ErrBadChunkSize, "%q", string(sizeRaw))
	}

	return size, nil
}

var lastChunk = []byte("0\r\n\r\n")

// AppendChunk appends data framed as a chunk to dst. A zero-byte non-last
// write emits nothing, as a zero-size chunk would terminate the stream. The
// last write additionally emits the terminating zero chunk.
func AppendChunk(dst, data []byte, last bool) []byte {
	if len(data) > 0 {
		dst = strconv.AppendUint(dst, uint64(len(data)), 16)
		dst = append(dst, message.CRLF...)
		dst = append(dst, data...)
		dst = append(dst, message.CRLF...)
	}

	if last {
		dst = append(dst, lastChunk...)
	}

	return dst
}
