package request

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrLineTooLong is returned when no line terminator shows up within the limit.
var ErrLineTooLong = errors.New("request line too long")

// RequestLine holds the substrings of the first line of a request.
// Nothing is validated; missing parts are empty.
type RequestLine struct {
	Method  string
	Target  string
	Version string
	Raw     string
}

// Request is a request line plus whatever header fields were already buffered.
type Request struct {
	RequestLine RequestLine
	Headers     map[string]string
}

// ParseRequestLine splits a line into method, target and version.
func ParseRequestLine(line string) RequestLine {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 3)

	rl := RequestLine{Raw: line, Method: parts[0]}
	if len(parts) > 1 {
		rl.Target = parts[1]
	}
	if len(parts) > 2 {
		rl.Version = parts[2]
	}

	return rl
}

// ReadRequestLine reads up to the first line feed. A read error after some
// bytes arrived is returned together with the partial line.
func ReadRequestLine(r *bufio.Reader, limit int) (RequestLine, error) {
	var line []byte

	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)

		if limit > 0 && len(line) > limit {
			return ParseRequestLine(string(line[:limit])), ErrLineTooLong
		}

		switch {
		case err == nil:
			return ParseRequestLine(string(line)), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return ParseRequestLine(string(line)), err
		}
	}
}

// ReadRequest reads the request line and then parses header fields out of
// the bytes that are already buffered. It never blocks waiting for headers.
func ReadRequest(r *bufio.Reader, limit int) (*Request, error) {
	rl, err := ReadRequestLine(r, limit)
	req := &Request{RequestLine: rl, Headers: map[string]string{}}
	if err != nil {
		return req, err
	}

	buffered, _ := r.Peek(r.Buffered())
	req.Headers = parseHeaders(buffered)

	return req, nil
}

func parseHeaders(data []byte) map[string]string {
	headers := make(map[string]string)
	// A Caser keeps state between calls and must not be shared across connections.
	titleCaser := cases.Title(language.AmericanEnglish)

	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			// incomplete field
			break
		}
		field := strings.TrimRight(string(data[:idx]), "\r")
		data = data[idx+1:]

		if field == "" {
			break
		}

		name, value, found := strings.Cut(field, ":")
		if !found {
			continue
		}
		headers[titleCaser.String(strings.ToLower(strings.TrimSpace(name)))] = strings.TrimSpace(value)
	}

	return headers
}

// IsEOF reports whether err only signals that the peer stopped sending.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
