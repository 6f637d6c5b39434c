// Package lineproto parses the newline-delimited sample wire format:
// "<path> <value> <timestamp>\n".
package lineproto

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Sample is a single observation. Immutable once produced.
type Sample struct {
	Path      string
	Value     float64
	Timestamp float64
}

// ParseError reports a malformed line or payload.
type ParseError struct {
	Line string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("lineproto: %s: %q", e.Msg, e.Line)
}

// ParseLine parses a single line with no embedded newline into a Sample.
// The line must split into exactly three whitespace-separated tokens:
// path, value, timestamp.
func ParseLine(line string) (Sample, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Sample{}, &ParseError{Line: line, Msg: "expected 3 fields"}
	}
	path := fields[0]
	if path == "" {
		return Sample{}, &ParseError{Line: line, Msg: "empty path"}
	}
	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return Sample{}, &ParseError{Line: line, Msg: "bad value"}
	}
	ts, err := strconv.ParseFloat(fields[2], 64)
	if err != nil || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return Sample{}, &ParseError{Line: line, Msg: "bad timestamp"}
	}
	return Sample{Path: path, Value: value, Timestamp: ts}, nil
}

// ParseBatch parses a full payload (a datagram body or a TCP connection's
// full body) into samples. A parse error on any one line rejects the whole
// payload: no samples from it are returned. A trailing newline is ignored.
// Non-UTF-8 payloads are rejected outright.
func ParseBatch(payload []byte) ([]Sample, error) {
	if !utf8.Valid(payload) {
		return nil, &ParseError{Msg: "payload is not valid UTF-8"}
	}
	text := strings.TrimRight(string(payload), "\n")
	if text == "" {
		return nil, &ParseError{Msg: "empty payload"}
	}
	lines := strings.Split(text, "\n")
	samples := make([]Sample, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			return nil, &ParseError{Line: line, Msg: "empty line"}
		}
		s, err := ParseLine(line)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// Format renders a Sample back into wire format, including the trailing
// newline.
func Format(s Sample) string {
	return fmt.Sprintf("%s %s %s\n",
		s.Path,
		strconv.FormatFloat(s.Value, 'g', -1, 64),
		strconv.FormatFloat(s.Timestamp, 'g', -1, 64))
}
