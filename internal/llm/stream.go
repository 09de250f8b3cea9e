package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

const maxFrameSize = 1 << 20

// Stream reads chat completion chunks from an SSE response body.
type Stream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	closeOnce sync.Once
	closeErr  error
	done      bool
}

func newStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	return &Stream{body: body, scanner: scanner}
}

// Recv returns the next chunk. It returns io.EOF once the upstream signals
// completion or closes the body.
func (s *Stream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return Chunk{}, io.EOF
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return Chunk{}, fmt.Errorf("decode stream frame: %w", err)
		}

		if frame.Error != nil {
			s.done = true
			return Chunk{}, &UpstreamError{Status: errorCode(frame.Error.Code), Message: frame.Error.Message}
		}

		chunk := Chunk{Model: frame.Model}
		for _, choice := range frame.Choices {
			chunk.Content += choice.Delta.Content
			if choice.FinishReason != nil {
				chunk.FinishReason = *choice.FinishReason
			}
		}
		if frame.Usage != nil {
			chunk.Usage = &models.Usage{
				PromptTokens:     frame.Usage.PromptTokens,
				CompletionTokens: frame.Usage.CompletionTokens,
			}
		}
		return chunk, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, err
	}
	return Chunk{}, io.EOF
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
