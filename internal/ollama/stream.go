// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// =============================================================================
// STREAM READER
// =============================================================================

// StreamReader parses Ollama's newline-delimited JSON stream.
type StreamReader struct {
	scanner *bufio.Scanner
}

// NewStreamReader creates a new stream reader from an io.Reader.
func NewStreamReader(r io.Reader) *StreamReader {
	s := bufio.NewScanner(r)
	// Long replies can arrive as one very large line on slow links.
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &StreamReader{scanner: s}
}

// Next returns the next chunk. It returns io.EOF at the end of the body.
// Blank and malformed lines are skipped.
func (s *StreamReader) Next() (*ChatChunk, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		var chunk ChatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return nil, errors.New(chunk.Error)
		}
		return &chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
