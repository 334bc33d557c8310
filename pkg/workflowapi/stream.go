package workflowapi

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"nbflow/engine_go/internal/utils"
)

// ActionStream parses NDJSON action lines from the generator response. It
// buffers bytes across chunk boundaries and keeps a trailing partial line
// until the next chunk arrives. Malformed lines are logged and skipped.
//
// When the server answers with a single {"actions": [...]} document
// instead of NDJSON, the stream transparently falls back to yielding that
// list in order.
type ActionStream struct {
	body   io.ReadCloser
	logger utils.ExtendedLogger

	buf     []byte
	chunk   []byte
	eof     bool
	drained bool

	// fallback queue populated when the body turns out to be a plain
	// actions document
	fallback    []Action
	fallbackIdx int
	useFallback bool

	firstLine bool
}

func newActionStream(body io.ReadCloser, logger utils.ExtendedLogger) *ActionStream {
	return &ActionStream{
		body:      body,
		logger:    utils.OrNoop(logger),
		chunk:     make([]byte, 4096),
		firstLine: true,
	}
}

// Next returns the next action. The second return is false once the
// stream is exhausted.
func (s *ActionStream) Next() (Action, bool, error) {
	if s.useFallback {
		if s.fallbackIdx >= len(s.fallback) {
			return Action{}, false, nil
		}
		action := s.fallback[s.fallbackIdx]
		s.fallbackIdx++
		return action, true, nil
	}

	for {
		line, ok, err := s.nextLine()
		if err != nil {
			return Action{}, false, err
		}
		if !ok {
			return Action{}, false, nil
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var envelope actionLine
		if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && envelope.Action != nil {
			s.firstLine = false
			return *envelope.Action, true, nil
		}

		// Non-streaming fallback: the very first line may be a whole
		// {"actions": [...]} document.
		if s.firstLine {
			s.firstLine = false
			var document actionsDocument
			if err := json.Unmarshal([]byte(trimmed), &document); err == nil && document.Actions != nil {
				s.useFallback = true
				s.fallback = document.Actions
				return s.Next()
			}
		}

		s.logger.Warnf("skipping malformed generator line: %.120s", trimmed)
	}
}

// nextLine returns the next complete line, reading more body chunks as
// needed. At EOF the remaining partial line is yielded once.
func (s *ActionStream) nextLine() (string, bool, error) {
	for {
		if idx := bytes.IndexByte(s.buf, '\n'); idx >= 0 {
			line := string(s.buf[:idx])
			s.buf = s.buf[idx+1:]
			return line, true, nil
		}

		if s.eof {
			if s.drained || len(s.buf) == 0 {
				return "", false, nil
			}
			s.drained = true
			line := string(s.buf)
			s.buf = nil
			return line, true, nil
		}

		n, err := s.body.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
		}
		if err == io.EOF {
			s.eof = true
			continue
		}
		if err != nil {
			return "", false, transportError("/generating", 0, err)
		}
	}
}

// Close releases the underlying response body.
func (s *ActionStream) Close() error {
	return s.body.Close()
}
