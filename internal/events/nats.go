package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the NATS subject prefix for mirrored events.
const DefaultSubjectPrefix = "conductord.events"

// NATSMirror publishes every event as JSON on NATS. The subject is the
// prefix followed by the kind with ':' turned into '.', so
// "session:started" lands on "conductord.events.session.started" and
// observers can subscribe to "conductord.events.session.>".
type NATSMirror struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSMirror creates a mirror on an established connection.
func NewNATSMirror(nc *nats.Conn, prefix string) (*NATSMirror, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSMirror{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an event of the given kind is published on.
func (m *NATSMirror) Subject(kind Kind) string {
	return m.prefix + "." + strings.ReplaceAll(string(kind), ":", ".")
}

// Publish implements Mirror.
func (m *NATSMirror) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := m.nc.Publish(m.Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
