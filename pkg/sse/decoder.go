// Package sse decodes the line-oriented `data: ` event stream emitted by the
// inference endpoint into ordered text deltas.
package sse

import (
	"bytes"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const (
	dataPrefix = "data: "

	// DoneSentinel is the payload that marks the end of a stream.
	DoneSentinel = "[DONE]"

	// MaxPendingBytes caps a payload held back while waiting for the rest of
	// a truncated structure.
	MaxPendingBytes = 1 << 20
)

// Frame is one qualifying record from the stream.
type Frame struct {
	Payload  string
	Terminal bool
}

// Decoder turns arbitrarily split chunks into frames. A record split across
// two chunks is reassembled before it is classified. Not safe for concurrent use.
type Decoder struct {
	buf     []byte
	pending string
	done    bool
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Done reports whether the end-of-stream sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Push appends chunk to the carry-over buffer and returns every frame
// completed by it. A trailing partial line stays buffered.
func (d *Decoder) Push(chunk []byte) []Frame {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for !d.done {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		if f, ok := d.line(line); ok {
			frames = append(frames, f)
		}
	}
	if d.done {
		d.buf = nil
	} else if len(d.buf) == 0 {
		// release the backing array between chunks
		d.buf = nil
	}
	return frames
}

// Flush processes whatever is left in the buffer as a final line. A response
// may end without a trailing newline.
func (d *Decoder) Flush() []Frame {
	if d.done {
		return nil
	}
	rest := string(d.buf)
	d.buf = nil

	var frames []Frame
	if rest != "" {
		if f, ok := d.line(rest); ok {
			frames = append(frames, f)
		}
	}
	if d.pending != "" {
		log.Debug().Int("bytes", len(d.pending)).Msg("sse: dropping truncated payload at end of stream")
		d.pending = ""
	}
	return frames
}

func (d *Decoder) line(line string) (Frame, bool) {
	line = strings.TrimSuffix(line, "\r")

	// A new record or a comment never continues a held payload.
	if d.pending != "" && (strings.HasPrefix(line, dataPrefix) || strings.HasPrefix(line, ":")) {
		log.Debug().Int("bytes", len(d.pending)).Msg("sse: dropping truncated payload")
		d.pending = ""
	}

	if d.pending != "" {
		candidate := d.pending + "\n" + line
		switch {
		case gjson.Valid(candidate):
			d.pending = ""
			return Frame{Payload: candidate}, true
		case looksTruncated(candidate) && len(candidate) <= MaxPendingBytes:
			d.pending = candidate
			return Frame{}, false
		default:
			log.Debug().Int("bytes", len(candidate)).Msg("sse: dropping unparseable held payload")
			d.pending = ""
		}
	}

	if line == "" || strings.HasPrefix(line, ":") {
		return Frame{}, false
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return Frame{}, false
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == DoneSentinel {
		d.done = true
		return Frame{Payload: payload, Terminal: true}, true
	}
	if gjson.Valid(payload) {
		return Frame{Payload: payload}, true
	}
	if looksTruncated(payload) {
		d.pending = payload
		return Frame{}, false
	}
	log.Debug().Str("payload", abbreviate(payload)).Msg("sse: skipping malformed frame")
	return Frame{}, false
}

// looksTruncated reports whether s opens a JSON object or array that is not
// closed by the end of s.
func looksTruncated(s string) bool {
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return false
	}
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return inString || depth > 0
}

func abbreviate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
