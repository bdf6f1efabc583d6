// Package sse implements the gateway's server-sent-events reframing
// transducer: it turns a possibly fragmented byte stream from the upstream
// response into a sequence of well-framed SSE records for the client.
//
// Grounded on the carry-over-buffer line-splitting idea in the teacher
// proxy's sseInterceptWriter (sse.go), generalized from a usage-extraction
// interceptor into the stateful (buffer, chunk) -> (buffer', frames)
// transducer the design notes call for.
package sse

import "bytes"

// Normalizer reframes incoming byte chunks into complete lines, each
// guaranteed to end in '\n'. It never reorders, coalesces, or splits the
// payload it is given: every byte emitted is part of a prefix of bytes fed
// in, in the same order.
type Normalizer struct {
	carry []byte
	// OnLine, if set, is invoked for every complete line emitted (including
	// the trailing '\n'), before it is appended to the caller's output.
	// Used by the router to watch for the terminal "data: [DONE]" record or
	// a chunk carrying usage without otherwise participating in framing.
	OnLine func(line []byte)
}

// New returns a ready-to-use Normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Feed appends chunk to the carry-over buffer and emits every complete
// line (terminated by '\n') found so far. Incomplete trailing bytes are
// retained for the next Feed or Flush call. The returned slice is only
// valid until the next call; callers that need to retain it must copy.
func (n *Normalizer) Feed(chunk []byte) []byte {
	if len(chunk) == 0 && len(n.carry) == 0 {
		return nil
	}
	buf := append(n.carry, chunk...)
	n.carry = nil

	idx := bytes.LastIndexByte(buf, '\n')
	if idx < 0 {
		// No complete line yet; keep everything as carry.
		n.carry = buf
		return nil
	}

	complete := buf[:idx+1]
	n.carry = append(n.carry[:0], buf[idx+1:]...)

	if n.OnLine != nil {
		for _, line := range splitLines(complete) {
			n.OnLine(line)
		}
	}
	return complete
}

// Flush returns any remaining carry-over bytes at end-of-stream, verbatim,
// even if they do not end in a newline, and clears internal state.
func (n *Normalizer) Flush() []byte {
	if len(n.carry) == 0 {
		return nil
	}
	rest := n.carry
	n.carry = nil
	if n.OnLine != nil && len(rest) > 0 {
		n.OnLine(rest)
	}
	return rest
}

// Reset discards any buffered state without emitting it. Used on client
// disconnect: the router cancels the upstream request, drains the
// normalizer, and credits no partial usage.
func (n *Normalizer) Reset() {
	n.carry = nil
}

// splitLines splits data (which must end in '\n') into lines that each
// retain their trailing '\n', used only to feed OnLine per logical line.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i+1])
			start = i + 1
		}
	}
	return lines
}

// IsDone reports whether line is the terminal SSE "data: [DONE]" record.
func IsDone(line []byte) bool {
	trimmed := bytes.TrimRight(line, "\r\n")
	trimmed = bytes.TrimSpace(trimmed)
	return bytes.Equal(trimmed, []byte("data: [DONE]"))
}

// IsDataLine reports whether line is an SSE "data:" record and returns its
// payload with the prefix and surrounding whitespace stripped.
func IsDataLine(line []byte) (payload []byte, ok bool) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimSpace(trimmed[len("data:"):]), true
}
