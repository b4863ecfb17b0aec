// Package sse extracts record payloads from a text/event-stream body.
//
// The PBX call stream is mostly newline-delimited JSON, sometimes wrapped in
// server-sent-events framing. Parser accepts both: "data:" prefixes are
// stripped, "event:", "id:" and "retry:" fields are dropped, and blank and
// comment lines are skipped.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

var (
	dataPrefix    = []byte("data:")
	skippedFields = [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:")}
)

// Parser reads a stream and emits one payload per data line.
type Parser struct {
	r   *bufio.Reader
	err error
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReader(r)}
}

// Next reads the next payload. It returns false at EOF or on a read error;
// Err distinguishes the two. A trailing line without a newline is incomplete
// and is discarded.
func (p *Parser) Next() ([]byte, bool) {
	for p.err == nil {
		line, err := p.r.ReadBytes('\n')
		if err != nil {
			p.err = err
			return nil, false
		}
		if payload, ok := Payload(line); ok {
			return payload, true
		}
	}
	return nil, false
}

// Err returns the read error that stopped the parser, or nil at clean EOF.
func (p *Parser) Err() error {
	if errors.Is(p.err, io.EOF) {
		return nil
	}
	return p.err
}

// ParseAll reads all payloads from the stream.
func (p *Parser) ParseAll() [][]byte {
	var out [][]byte
	for {
		payload, ok := p.Next()
		if !ok {
			return out
		}
		out = append(out, payload)
	}
}

// ParseBytes parses all payloads from a byte slice.
func ParseBytes(data []byte) [][]byte {
	return NewParser(bytes.NewReader(data)).ParseAll()
}

// Payload classifies a single line. ok is false for framing the caller should skip.
func Payload(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	for _, f := range skippedFields {
		if bytes.HasPrefix(line, f) {
			return nil, false
		}
	}
	if rest, found := bytes.CutPrefix(line, dataPrefix); found {
		line = bytes.TrimSpace(rest)
		if len(line) == 0 {
			return nil, false
		}
	}
	return line, true
}
