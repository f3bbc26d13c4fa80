package backend

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/p-blackswan/taskpilot/internal/timeline"
)

const maxEventSize = 4 << 20

// Stream reads the server-sent events of one streaming session. Each event
// is a "data:" line, or a run of them ended by a blank line, holding one
// {"step", "data"} object.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	pending []string
	once    sync.Once
}

func newStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &Stream{body: body, scanner: sc}
}

// Next returns the next event, or io.EOF once the server ends the stream.
// Malformed events are skipped.
func (s *Stream) Next() (timeline.Event, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if ev, ok := s.flush(); ok {
				return ev, nil
			}
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")

		// Some servers omit the blank separator and send one object per line.
		if len(s.pending) > 0 && json.Valid([]byte(strings.Join(s.pending, "\n"))) {
			ev, ok := s.flush()
			s.pending = append(s.pending, payload)
			if ok {
				return ev, nil
			}
			continue
		}
		s.pending = append(s.pending, payload)
	}
	if ev, ok := s.flush(); ok {
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return timeline.Event{}, err
	}
	return timeline.Event{}, io.EOF
}

func (s *Stream) flush() (timeline.Event, bool) {
	if len(s.pending) == 0 {
		return timeline.Event{}, false
	}
	payload := strings.Join(s.pending, "\n")
	s.pending = s.pending[:0]
	if payload == "[DONE]" {
		return timeline.Event{}, false
	}
	ev, err := timeline.ParseEvent([]byte(payload))
	if err != nil {
		return timeline.Event{}, false
	}
	return ev, true
}

// Close releases the underlying connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
