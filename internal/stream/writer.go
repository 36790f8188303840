package stream

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-contrib/sse"
)

// dataField is the field prefix clients match on, including its space.
var dataField = []byte("data: ")

// ErrClosed is returned by Send once the complete frame has been written or
// the writer was released.
var ErrClosed = errors.New("stream closed")

// Writer serializes frames onto one SSE response. It is safe for concurrent
// use and writes at most one complete frame.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewWriter sets the event-stream headers and commits the response. It fails
// when the ResponseWriter cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes evt as a data-only frame and flushes it.
func (sw *Writer) Send(evt Event) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return ErrClosed
	}
	if evt.Terminal() {
		sw.closed = true
	}
	frame, err := encodeFrame(evt)
	if err != nil {
		sw.closed = true
		return fmt.Errorf("encode %s frame: %w", evt.Type, err)
	}
	if _, err := sw.w.Write(frame); err != nil {
		sw.closed = true
		return fmt.Errorf("write %s frame: %w", evt.Type, err)
	}
	sw.flusher.Flush()
	return nil
}

// encodeFrame renders evt as "data: <json>\n\n". sse.Encode omits the space
// after the field name.
func encodeFrame(evt Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := sse.Encode(&buf, sse.Event{Data: evt}); err != nil {
		return nil, err
	}
	frame := buf.Bytes()
	if rest, ok := bytes.CutPrefix(frame, []byte("data:")); ok && !bytes.HasPrefix(rest, []byte(" ")) {
		return append(append([]byte(nil), dataField...), rest...), nil
	}
	return frame, nil
}
