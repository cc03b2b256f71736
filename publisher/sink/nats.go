package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/gradm/cfg"
	"github.com/maxpert/gradm/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	DefaultNatsPublishTimeout = 5 * time.Second
	DefaultNatsStreamMaxAge   = 7 * 24 * time.Hour
)

func init() {
	publisher.RegisterSink("nats", newNatsFromConfig)
}

func newNatsFromConfig(config cfg.SinkConfiguration) (publisher.Sink, error) {
	if config.NatsURL == "" {
		return nil, fmt.Errorf("nats sink requires nats_url")
	}
	return NewNatsSink(config.NatsURL)
}

// NatsSink publishes membership events to NATS JetStream. Each topic gets
// its own stream, created on first use.
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams *xsync.MapOf[string, struct{}]
	timeout time.Duration
}

// NewNatsSink connects to url and opens a JetStream context
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("gradm"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{
		nc:      nc,
		js:      js,
		streams: xsync.NewMapOf[string, struct{}](),
		timeout: DefaultNatsPublishTimeout,
	}, nil
}

// Publish sends value to the topic subject with the cluster key as a header
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context, topic string) error {
	if _, ok := n.streams.Load(topic); ok {
		return nil
	}

	name := StreamName(topic)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    DefaultNatsStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	n.streams.Store(topic, struct{}{})
	return nil
}

// Close drains the connection
func (n *NatsSink) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}

// StreamName converts a subject to a valid JetStream stream name
func StreamName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '/', '\\':
			return '_'
		}
		return r
	}, topic)
}
