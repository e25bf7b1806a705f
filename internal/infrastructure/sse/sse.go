// Package sse implements server-sent-event framing shared by the provider
// transport (reading upstream streams) and the workflow layer (writing client
// streams).
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// Event is one SSE frame. Name is empty for plain "data:" frames (OpenAI
// style); Anthropic streams carry typed events.
type Event struct {
	Name string
	Data string
}

// Comment frames (": ...") are used for heartbeats and never carry data.
func Comment(text string) Event {
	return Event{Name: ":", Data: text}
}

// IsComment reports whether the event is a comment frame.
func (e Event) IsComment() bool { return e.Name == ":" }

// Done is the OpenAI terminal sentinel.
var Done = Event{Data: "[DONE]"}

// IsTerminal reports whether the event marks end-of-stream on any of the
// supported protocols.
func (e Event) IsTerminal() bool {
	if e.Data == "[DONE]" {
		return true
	}
	switch e.Name {
	case "message_stop", "response.completed", "response.failed":
		return true
	}
	return false
}

// Reader incrementally parses an SSE byte stream into events. Frames split
// across TCP reads are reassembled; a per-read idle timeout guards against
// stalled upstreams.
type Reader struct {
	scanner *bufio.Scanner
	event   string
	data    []string
}

// NewReader wraps r with SSE framing. idleTimeout of zero disables the
// per-read watchdog.
func NewReader(r io.Reader, idleTimeout time.Duration) *Reader {
	if idleTimeout > 0 {
		r = &timedReader{r: r, timeout: idleTimeout}
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line
	return &Reader{scanner: scanner}
}

// Next returns the next complete event, io.EOF at end of stream.
func (r *Reader) Next() (Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()

		switch {
		case line == "":
			// Blank line terminates a frame.
			if len(r.data) > 0 || r.event != "" {
				ev := Event{Name: r.event, Data: strings.Join(r.data, "\n")}
				r.event, r.data = "", nil
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive; skip.
		case strings.HasPrefix(line, "event:"):
			r.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			r.data = append(r.data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	// Upstream may end without a trailing blank line; flush what we have.
	if len(r.data) > 0 || r.event != "" {
		ev := Event{Name: r.event, Data: strings.Join(r.data, "\n")}
		r.event, r.data = "", nil
		return ev, nil
	}
	return Event{}, io.EOF
}

// Write renders an event in wire format to w.
func Write(w io.Writer, ev Event) error {
	if ev.IsComment() {
		_, err := fmt.Fprintf(w, ": %s\n\n", ev.Data)
		return err
	}
	if ev.Name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Name); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data)
	return err
}

// --- idle timeout support ---

var errIdleTimeout = fmt.Errorf("SSE read idle timeout")

// timedReader wraps an io.Reader and applies a per-Read deadline.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

// IsIdleTimeout checks if an error is the SSE idle timeout sentinel.
func IsIdleTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SSE read idle timeout")
}
