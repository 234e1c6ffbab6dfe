// Package stream decodes the backend's server-push event stream into frames.
//
// The wire format is a sequence of blank-line terminated records. Only lines
// starting with "data:" carry payload; every other line is ignored. Each
// record's payload is a JSON object whose "event" field names the frame kind.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"k8s.io/klog/v2"

	"github.com/vnmchuo/pm-dashboard/internal/logging"
)

const dataPrefix = "data:"

// Frame is one decoded event unit.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Decoder splits arriving byte chunks into frames. Incomplete trailing bytes,
// including a multi-byte character split across chunks, are kept for the
// next Feed call. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf  []byte
	data [][]byte // data lines of the record being assembled
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the internal buffer and returns every frame whose
// record is now complete.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(d.buf[:i], []byte("\r"))
		d.buf = d.buf[i+1:]

		if len(line) == 0 {
			if f, ok := d.endRecord(); ok {
				frames = append(frames, f)
			}
			continue
		}
		d.addLine(line)
	}

	// Drop the consumed prefix so the buffer does not grow unbounded.
	if len(d.buf) == 0 {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf...)
	}
	return frames
}

// Flush terminates the stream: an unterminated final line and record are
// decoded as if a blank line had followed them.
func (d *Decoder) Flush() []Frame {
	if len(d.buf) > 0 {
		d.addLine(bytes.TrimSuffix(d.buf, []byte("\r")))
		d.buf = nil
	}
	if f, ok := d.endRecord(); ok {
		return []Frame{f}
	}
	return nil
}

func (d *Decoder) addLine(line []byte) {
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return
	}
	payload := line[len(dataPrefix):]
	payload = bytes.TrimPrefix(payload, []byte(" "))
	d.data = append(d.data, append([]byte(nil), payload...))
}

func (d *Decoder) endRecord() (Frame, bool) {
	if len(d.data) == 0 {
		return Frame{}, false
	}
	payload := bytes.Join(d.data, []byte("\n"))
	d.data = nil

	f, err := decodeFrame(payload)
	if err != nil {
		klog.Warningf("Dropping malformed stream record: %v", err)
		return Frame{}, false
	}
	return f, true
}

func decodeFrame(payload []byte) (Frame, error) {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return Frame{}, fmt.Errorf("invalid frame payload %q: %w", truncate(payload, 120), err)
	}
	return Frame{Event: head.Event, Data: json.RawMessage(payload)}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Reader pulls frames lazily from an io.Reader such as an HTTP response body.
// The sequence is finite and cannot be restarted.
type Reader struct {
	src     io.Reader
	dec     *Decoder
	pending []Frame
	chunk   []byte
	err     error
}

func NewReader(src io.Reader) *Reader {
	return &Reader{
		src:   src,
		dec:   NewDecoder(),
		chunk: make([]byte, 4096),
	}
}

// Next returns the next frame. It returns io.EOF once the source is exhausted
// and all buffered frames have been returned; any other error comes from the
// underlying reader and is final.
func (r *Reader) Next() (Frame, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return Frame{}, r.err
		}

		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.pending = append(r.pending, r.dec.Feed(r.chunk[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.pending = append(r.pending, r.dec.Flush()...)
				r.err = io.EOF
			} else {
				klog.V(logging.DEBUG).Infof("Stream source failed with %d frames still buffered: %v", len(r.pending), err)
				r.err = err
			}
		}
	}

	f := r.pending[0]
	r.pending = r.pending[1:]
	return f, nil
}
