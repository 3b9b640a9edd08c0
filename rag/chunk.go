package rag

import (
	"errors"
	"strings"
)

// Default chunking parameters, measured in characters.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunker splits text into overlapping windows of Size characters. Consecutive windows
// share Overlap characters.
type Chunker struct {
	Size    int
	Overlap int
}

// Validate checks that the chunker makes progress on every window.
func (c Chunker) Validate() error {
	if c.Size <= 0 {
		return errors.New("chunk size must be positive")
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return errors.New("chunk overlap must be in [0, size)")
	}
	return nil
}

// Split returns the windows of text in order. NUL characters are dropped since neither
// JSONB nor Postgres TEXT can hold them. Text that is empty or only whitespace yields
// no chunks.
func (c Chunker) Split(text string) []string {
	text = strings.ReplaceAll(text, "\x00", "")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	stride := c.Size - c.Overlap
	var chunks []string
	for start := 0; start < len(runes); start += stride {
		end := min(start+c.Size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
