// Package sse provides a minimal Server-Sent Events reader for the HTTP
// provider adapters.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is a single SSE event: an optional type and the data payload.
type Event struct {
	Type string // value of the "event:" field (may be empty)
	Data string // "data:" field(s), joined with "\n"
}

// Reader reads SSE events from a stream.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	return &Reader{scanner: sc}
}

// Next returns the next event, or (Event{}, io.EOF) at end of stream.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var data []string

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			// Blank line dispatches the accumulated event.
			if len(data) > 0 || ev.Type != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// id: and retry: fields are ignored
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
