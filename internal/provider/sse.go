package provider

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrIncompleteStream is wrapped in the UpstreamError an adapter reports when
// the body ends before the vendor's end-of-stream marker.
var ErrIncompleteStream = errors.New("stream ended before completion")

// ReadSSE reads a server-sent event stream and calls fn for every data line,
// together with the most recent event name. It stops when fn returns false
// or the body ends; a clean end of body returns nil.
func ReadSSE(body io.Reader, fn func(event, data string) bool) error {
	reader := bufio.NewReader(body)
	var event string
	for {
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if !fn(event, strings.TrimSpace(strings.TrimPrefix(line, "data:"))) {
				return nil
			}
		}

		if err == io.EOF {
			return nil
		}
	}
}
