package sse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrStreamClosed is returned by Decoder.Next when the stream ends.
var ErrStreamClosed = errors.New("sse: stream closed")

// Event is one decoded SSE frame. Comment frames such as keep-alives carry
// only Comment.
type Event struct {
	ID      string
	Event   string
	Data    string
	Comment string
}

// IsComment reports whether the frame was a comment line.
func (e Event) IsComment() bool {
	return e.Comment != "" && e.Event == "" && e.Data == ""
}

// Decoder reads SSE frames from a stream.
type Decoder struct {
	reader *bufio.Reader
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Next returns the next complete event or comment.
func (d *Decoder) Next() (Event, error) {
	event := Event{}
	var dataLines []string

	for {
		line, err := d.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return Event{}, ErrStreamClosed
			}
			return Event{}, fmt.Errorf("read line: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line marks end of event
		if line == "" {
			if len(dataLines) > 0 || event.Event != "" || event.ID != "" || event.Comment != "" {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			event.Comment = strings.TrimSpace(line[1:])
			continue
		}

		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			continue
		}

		field := line[:colonIdx]
		value := strings.TrimPrefix(line[colonIdx+1:], " ")

		switch field {
		case "id":
			event.ID = value
		case "event":
			event.Event = value
		case "data":
			dataLines = append(dataLines, value)
		}
	}
}
