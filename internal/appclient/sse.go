package appclient

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one server-sent event. Data joins multiple data lines with
// newlines.
type SSEEvent struct {
	Type string
	ID   string
	Data string
}

// SSEScanner reads text/event-stream framing: fields until a blank line,
// comment lines starting with ':' ignored.
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
}

func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (s *SSEScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = SSEEvent{}
	var (
		data    []string
		hasData bool
		ev      SSEEvent
	)
	emit := func() bool {
		ev.Data = strings.Join(data, "\n")
		s.current = ev
		return true
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				return emit()
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				return emit()
			}
			ev = SSEEvent{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			ev.Type = value
		case "id":
			ev.ID = value
		}
	}
}

func (s *SSEScanner) Event() SSEEvent {
	return s.current
}

// Err returns the error that stopped scanning, nil on clean EOF.
func (s *SSEScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
