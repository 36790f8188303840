package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/firescrape/internal/stream"
)

const maxFrameBytes = 32 << 20

// EventStream reads SSE frames from an open stream response.
type EventStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
}

func newEventStream(body io.ReadCloser) *EventStream {
	return &EventStream{body: body, reader: bufio.NewReaderSize(body, 64<<10)}
}

// Next blocks for the next frame. It returns io.EOF when the server closes
// the stream between frames.
func (s *EventStream) Next() (stream.Event, error) {
	data, err := s.readFrame()
	if err != nil {
		return stream.Event{}, err
	}
	var evt stream.Event
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return stream.Event{}, fmt.Errorf("decode frame: %w", err)
	}
	return evt, nil
}

// readFrame collects data lines up to the blank line ending a frame. Comment
// lines and other fields are ignored.
func (s *EventStream) readFrame() (string, error) {
	var (
		lines []string
		size  int
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) && len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
			if err != nil {
				return "", io.EOF
			}
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		size += len(value)
		if size > maxFrameBytes {
			return "", errors.New("sse frame too large")
		}
		lines = append(lines, value)
	}
}

// Close releases the underlying response body.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
