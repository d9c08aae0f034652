package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// subjectPrefix namespaces notification subjects on the shared cluster.
const subjectPrefix = "iduna.notify"

// NATSSink publishes notification events to a NATS subject per kind
// (e.g. iduna.notify.renewal_succeeded). Downstream consumers fan these out
// to email, SMS, and the activity feed.
type NATSSink struct {
	nc *nats.Conn
}

var _ Sink = (*NATSSink)(nil)

// NewNATSSink connects to the NATS server at the given URL.
func NewNATSSink(url string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("iduna-notify"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{nc: nc}, nil
}

// WrapConn builds a sink over an existing connection. The caller keeps
// ownership of the connection.
func WrapConn(nc *nats.Conn) *NATSSink {
	return &NATSSink{nc: nc}
}

func (s *NATSSink) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notify event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, event.Kind)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains in-flight messages and closes the connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
