package engine

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one Server-Sent Event. Only the fields the chat completions
// stream uses are kept.
type sseEvent struct {
	Event string
	Data  string
}

// sseScanner splits a text/event-stream body into events. Events end at a
// blank line; multiple data lines are joined with "\n"; comments (":") and
// unknown fields are skipped.
type sseScanner struct {
	r   *bufio.Reader
	ev  sseEvent
	err error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at the end of the stream
// or on a read error; Err tells them apart.
func (s *sseScanner) Next() bool {
	if s.err != nil {
		return false
	}
	var (
		event   string
		data    []string
		hasData bool
	)
	emit := func() {
		s.ev = sseEvent{Event: event, Data: strings.Join(data, "\n")}
	}
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			s.err = err
			if line == "" {
				if hasData {
					emit()
					return true
				}
				return false
			}
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				emit()
				return true
			}
			event = ""
			if s.err != nil {
				return false
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			event = value
		}

		if s.err != nil {
			if hasData {
				emit()
				return true
			}
			return false
		}
	}
}

// Event returns the event read by the last successful Next.
func (s *sseScanner) Event() sseEvent { return s.ev }

// Err returns the read error that ended the stream, or nil after a clean EOF.
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
