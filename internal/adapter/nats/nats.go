// Package nats bridges the event bus to NATS JetStream. The bridge is
// publish-only: every bus event is republished to
// devgodzilla.events.<type> so external consumers (Windmill flows, other
// services) can react without polling the HTTP API. Postgres remains the
// durable log; the stream keeps a bounded replay window.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/domain/event"
)

const (
	defaultStreamName    = "DEVGODZILLA"
	defaultSubjectPrefix = "devgodzilla.events."

	// streamMaxAge bounds the replay window. Consumers needing older
	// history read the event log over HTTP.
	streamMaxAge = 24 * time.Hour
)

// Bridge republishes bus events to JetStream.
type Bridge struct {
	nc            *nats.Conn
	js            jetstream.JetStream
	streamName    string
	subjectPrefix string
	logger        *slog.Logger
}

// Connect dials NATS and ensures the event stream exists. The connection
// reconnects indefinitely; publishes fail fast while disconnected.
func Connect(ctx context.Context, cfg config.NATS, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	streamName := cfg.StreamName
	if streamName == "" {
		streamName = defaultStreamName
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	if !strings.HasSuffix(subjectPrefix, ".") {
		subjectPrefix += "."
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("devgodzilla"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
		MaxAge:   streamMaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	logger.Info("nats event bridge connected", "url", cfg.URL, "stream", streamName)
	return &Bridge{nc: nc, js: js, streamName: streamName, subjectPrefix: subjectPrefix, logger: logger}, nil
}

// KeyValue creates or opens a JetStream KV bucket on the bridge connection.
// Values age out after ttl; a zero ttl keeps them until overwritten.
func (b *Bridge) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// PublishEvent republishes ev to devgodzilla.events.<type>. Events that
// already carry a log id publish with a message id so JetStream deduplicates
// redeliveries.
func (b *Bridge) PublishEvent(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := b.subjectPrefix + string(ev.Type)
	var opts []jetstream.PublishOpt
	if ev.ID != 0 {
		opts = append(opts, jetstream.WithMsgID(fmt.Sprintf("evt-%d", ev.ID)))
	}
	if _, err := b.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Handle is the bus subscriber entry point. Publish failures are logged and
// swallowed so a NATS outage never blocks a state change.
func (b *Bridge) Handle(ctx context.Context, ev *event.Event) {
	if err := b.PublishEvent(ctx, ev); err != nil {
		b.logger.Warn("nats event publish failed", "event_type", ev.Type, "error", err)
	}
}

// IsConnected reports whether the underlying connection is up.
func (b *Bridge) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close drains the connection so buffered publishes flush before shutdown.
func (b *Bridge) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
