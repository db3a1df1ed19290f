package mail

import (
	"strings"
)

// ParseHeaders turns a raw header block into a Headers map.
//
// Each line is split on its first colon and the value is trimmed. A line
// without a colon maps its whole content to an empty value. Lines starting
// with a space or tab continue the previous field. Blank lines are skipped
// and a repeated field keeps its last value.
func ParseHeaders(raw []byte) Headers {
	headers := make(Headers)
	var last string
	haveLast := false

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if haveLast && (line[0] == ' ' || line[0] == '\t') {
			folded := strings.TrimSpace(line)
			if headers[last] == "" {
				headers[last] = folded
			} else {
				headers[last] += " " + folded
			}
			continue
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			headers[line] = ""
			last, haveLast = line, true
			continue
		}
		headers[name] = strings.TrimSpace(value)
		last, haveLast = name, true
	}

	return headers
}

// Require returns the values of the named fields, or ErrMissingHeader naming
// the first one absent.
func (h Headers) Require(names ...string) ([]string, error) {
	values := make([]string, 0, len(names))
	for _, name := range names {
		v, ok := h[name]
		if !ok {
			return nil, &HeaderError{Name: name}
		}
		values = append(values, v)
	}
	return values, nil
}

// HeaderError reports a missing header field
type HeaderError struct {
	Name string
}

func (e *HeaderError) Error() string {
	return ErrMissingHeader.Error() + ": " + e.Name
}

func (e *HeaderError) Unwrap() error {
	return ErrMissingHeader
}
