// Package translator reframes the upstream's raw streaming bytes as
// OpenAI-compatible chat.completion.chunk events on an SSE connection.
package translator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const readChunkSize = 8192

// StreamEvent is one chat.completion.chunk frame.
type StreamEvent struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice carries the delta for one choice slot.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamDelta is the incremental content payload. The closing frame sends it
// empty.
type StreamDelta struct {
	Content string `json:"content,omitempty"`
}

type streamErrorEvent struct {
	Error streamErrorBody `json:"error"`
}

type streamErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// StreamReadError reports a mid-stream upstream failure. By the time it is
// returned the client has already received an inline error frame and the
// [DONE] sentinel, so it exists for the caller's logging only.
type StreamReadError struct {
	Err error
}

func (e *StreamReadError) Error() string { return fmt.Sprintf("stream read failed: %v", e.Err) }

func (e *StreamReadError) Unwrap() error { return e.Err }

// Stream copies src to w as SSE chunk events until src is exhausted. Every
// upstream read becomes one delta frame carrying the bytes as they arrived;
// no buffering, no reframing of partial lines. A clean end emits a closing
// frame with finish_reason "stop" followed by [DONE]. All frames of one call
// share a generated completion id and creation timestamp.
func Stream(w io.Writer, src io.Reader, model string) error {
	u := uuid.New()
	s := &streamState{
		id:      "chatcmpl-" + hex.EncodeToString(u[:])[:12],
		created: time.Now().Unix(),
		model:   model,
	}
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, readChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := s.writeDelta(w, string(buf[:n])); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			if werr := s.writeStop(w); werr != nil {
				return werr
			}
			writeDone(w)
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		}
		if err != nil {
			// The SSE headers are long gone, so the failure travels in-band
			// before the stream is closed out.
			writeErrorFrame(w, err)
			writeDone(w)
			if flusher != nil {
				flusher.Flush()
			}
			return &StreamReadError{Err: err}
		}
	}
}

type streamState struct {
	id      string
	created int64
	model   string
}

func (s *streamState) writeDelta(w io.Writer, text string) error {
	return writeFrame(w, StreamEvent{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{Content: text}}},
	})
}

func (s *streamState) writeStop(w io.Writer) error {
	stop := "stop"
	return writeFrame(w, StreamEvent{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []StreamChoice{{Index: 0, FinishReason: &stop}},
	})
}

func writeFrame(w io.Writer, ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeErrorFrame(w io.Writer, cause error) {
	data, err := json.Marshal(streamErrorEvent{
		Error: streamErrorBody{Message: cause.Error(), Type: "internal_error"},
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeDone(w io.Writer) {
	io.WriteString(w, "data: [DONE]\n\n")
}
