package events

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteSSE writes ev as one Server-Sent Events frame:
//
//	event: session:started
//	data: {"kind":"session:started",...}
func WriteSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WriteHeartbeat writes an SSE comment line that keeps proxies from
// closing an idle stream.
func WriteHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": heartbeat\n\n")
	return err
}
