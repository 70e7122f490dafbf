package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// MaxLineSize bounds a single SSE line so a misbehaving upstream cannot make
// the relay buffer unbounded data.
const MaxLineSize = 64 * 1024

var (
	// ErrLineTooLong is returned when an SSE line exceeds MaxLineSize.
	ErrLineTooLong = errors.New("sse line exceeds maximum size")

	doneMarker = []byte("[DONE]")
)

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next SSE event from the stream. It returns the event
// type (usually empty for completion streams) and the joined data lines.
// Returns io.EOF when the stream ends without a pending event.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[len("event:"):]))
		}
		// id:, retry: and ":" comments are ignored
	}
}

// readLine returns the next line without its terminator. A final line
// without terminator is returned together with io.EOF only when empty.
func (s *SSEReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			if len(line) > 0 && errors.Is(err, io.EOF) {
				return line, nil
			}
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// Delta is one element of a decoded completion stream: either a text
// fragment or a terminal error.
type Delta struct {
	Text string
	Err  error
}

// decodeChunk extracts the incremental content from one stream event.
func decodeChunk(data []byte) (string, bool) {
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, true
}

// DecodeStream reduces an upstream event stream to its text deltas.
//
// The returned channel yields non-empty text fragments in order and is closed
// when the upstream sends [DONE], closes the stream, or ctx is done. Malformed
// events are skipped. A read error other than EOF is delivered as a final
// Delta with Err set. Callers must drain the channel or cancel ctx.
func DecodeStream(ctx context.Context, r io.Reader) <-chan Delta {
	out := make(chan Delta)

	go func() {
		defer close(out)

		reader := NewSSEReader(r)
		for {
			if ctx.Err() != nil {
				return
			}

			_, data, err := reader.ReadEvent()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					select {
					case out <- Delta{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}

			if bytes.Equal(data, doneMarker) {
				return
			}

			text, ok := decodeChunk(data)
			if !ok || text == "" {
				continue
			}

			select {
			case out <- Delta{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
