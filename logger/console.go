package logger

import (
	"bytes"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// consoleWriter writes JSON log events with duplicate keys pruned.
//
// zerolog appends fields to the event without tracking which keys it already holds, so a field
// added both on the logger context and on the event (e.g. "version") would appear twice. Each event
// is decoded into a map and re-encoded, which keeps the last value written for every key.
type consoleWriter struct {
	out io.Writer
}

func (c *consoleWriter) Write(p []byte) (n int, err error) {
	var evt map[string]any
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	if err := d.Decode(&evt); err != nil {
		return 0, fmt.Errorf("cannot decode event: %s", err)
	}
	return len(p), json.NewEncoder(c.out).Encode(evt)
}
