package quarantine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/loopmesh/dm-ingest/internal/models"
	"github.com/loopmesh/dm-ingest/internal/natsclient"
)

// StreamName is the JetStream stream holding quarantined events.
const StreamName = "DM_QUARANTINE"

// subjectPrefix namespaces quarantine subjects: dm.quarantine.<reason>.
const subjectPrefix = "dm.quarantine"

// StreamConfig is the quarantine stream definition. Limits retention
// keeps entries until operators drain them or they age out.
func StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		MaxAge:    14 * 24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
}

// JetStreamWriter publishes quarantine entries to NATS JetStream.
// Safe across multiple ingest instances, unlike a local table in a
// per-instance database.
type JetStreamWriter struct {
	client  *natsclient.Client
	stream  jetstream.Stream
	written uint64
	log     *slog.Logger
}

func NewJetStreamWriter(ctx context.Context, client *natsclient.Client, log *slog.Logger) (*JetStreamWriter, error) {
	if client == nil {
		return nil, fmt.Errorf("nats client is nil")
	}

	stream, err := client.EnsureStream(ctx, StreamConfig())
	if err != nil {
		return nil, fmt.Errorf("create quarantine stream: %w", err)
	}

	return &JetStreamWriter{
		client: client,
		stream: stream,
		log:    log,
	}, nil
}

func (w *JetStreamWriter) Write(ctx context.Context, ev *models.QuarantinedEvent) error {
	if w == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CapturedAt.IsZero() {
		ev.CapturedAt = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal quarantine entry: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, ev.Reason)
	if _, err := w.client.PublishSync(ctx, subject, data); err != nil {
		return fmt.Errorf("publish quarantine entry: %w", err)
	}

	atomic.AddUint64(&w.written, 1)
	return nil
}

// Stats returns stream-level quarantine metrics for readiness probes.
func (w *JetStreamWriter) Stats(ctx context.Context) map[string]interface{} {
	if w == nil {
		return map[string]interface{}{"enabled": false}
	}

	info, err := w.stream.Info(ctx)
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"written_local": atomic.LoadUint64(&w.written),
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":        true,
		"written_local":  atomic.LoadUint64(&w.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// List reads up to limit entries for operational triage tooling.
func (w *JetStreamWriter) List(ctx context.Context, limit int) ([]models.QuarantinedEvent, error) {
	if w == nil {
		return nil, fmt.Errorf("quarantine stream not enabled")
	}
	if limit <= 0 {
		limit = 100
	}

	consumer, err := w.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: subjectPrefix + ".>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var events []models.QuarantinedEvent
	for msg := range msgs.Messages() {
		var ev models.QuarantinedEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			w.log.Warn("skipping unparsable quarantine entry", slog.String("error", err.Error()))
			continue
		}
		events = append(events, ev)
	}
	if msgs.Error() != nil {
		w.log.Warn("quarantine fetch completed with error", slog.String("error", msgs.Error().Error()))
	}

	return events, nil
}
