// Package sse implements a server-sent-events frame scanner tolerant of
// arbitrary chunk boundaries in the upstream byte stream.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one decoded SSE frame. Data joins multiple data: lines with a
// newline, with at most one leading space stripped from each.
type Event struct {
	Name string
	ID   string
	Data string
}

// DoneSentinel is the literal payload that signals end-of-stream on
// OpenAI-compatible streaming endpoints.
const DoneSentinel = "[DONE]"

// IsDone reports whether the event carries the end-of-stream sentinel.
func (e *Event) IsDone() bool {
	return strings.TrimSpace(e.Data) == DoneSentinel
}

// Scanner reads SSE frames from a byte stream. Frames are separated by
// blank lines; CRLF line endings are normalized to LF. A final partial
// frame (no trailing blank line before EOF) is flushed as a last event.
type Scanner struct {
	r   *bufio.Reader
	eof bool
}

// NewScanner wraps an upstream body.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next returns the next complete frame. It returns io.EOF once the stream
// is exhausted, after flushing any trailing partial frame.
func (s *Scanner) Next() (*Event, error) {
	if s.eof {
		return nil, io.EOF
	}

	var ev Event
	var data []string
	started := false

	for {
		line, err := s.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		atEOF := err == io.EOF

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		switch {
		case line == "":
			// Frame terminator; an empty frame (consecutive blank lines)
			// is skipped rather than emitted.
			if started {
				ev.Data = strings.Join(data, "\n")
				if atEOF {
					s.eof = true
				}
				return &ev, nil
			}
		case strings.HasPrefix(line, "data:"):
			started = true
			data = append(data, stripField(line, "data:"))
		case strings.HasPrefix(line, "event:"):
			started = true
			ev.Name = stripField(line, "event:")
		case strings.HasPrefix(line, "id:"):
			started = true
			ev.ID = stripField(line, "id:")
		case strings.HasPrefix(line, ":"):
			// Comment line, ignored.
		default:
			// Unknown field, ignored per the SSE spec.
		}

		if atEOF {
			s.eof = true
			if started && len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				return &ev, nil
			}
			return nil, io.EOF
		}
	}
}

// stripField removes the field prefix and at most one leading space.
func stripField(line, prefix string) string {
	v := strings.TrimPrefix(line, prefix)
	if strings.HasPrefix(v, " ") {
		v = v[1:]
	}
	return v
}
