package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
	"github.com/kirillkom/grounded-qa/internal/infrastructure/resilience"
)

// Broadcaster fans dataset-changed events out to every API replica.
type Broadcaster struct {
	conn     *nats.Conn
	subject  string
	origin   string
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

type datasetChangedEvent struct {
	DatasetID  string    `json:"dataset_id"`
	Origin     string    `json:"origin"`
	OccurredAt time.Time `json:"occurred_at"`
}

func New(url, subject string) (*Broadcaster, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*Broadcaster, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("grounded-qa"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Broadcaster{
		conn:     conn,
		subject:  subject,
		origin:   uuid.NewString(),
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (b *Broadcaster) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Broadcaster) PublishDatasetChanged(ctx context.Context, datasetID string) error {
	payload, err := encodeEvent(datasetChangedEvent{
		DatasetID:  datasetID,
		Origin:     b.origin,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	err = b.executor.Execute(ctx, "nats.publish", func(_ context.Context) error {
		if err := b.conn.Publish(b.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}, classifyPublishError)
	return publishTemporary(datasetID, err)
}

// SubscribeDatasetChanged blocks until ctx is done. Every replica gets every event;
// events this process published itself are skipped since it already invalidated locally.
func (b *Broadcaster) SubscribeDatasetChanged(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		event, err := decodeEvent(msg.Data)
		if err != nil {
			b.logger.Warn("dataset_changed_event_invalid", "error", err)
			return
		}
		if event.Origin == b.origin {
			return
		}
		if err := handler(ctx, event.DatasetID); err != nil {
			b.logger.Error("dataset_changed_handler_failed", "dataset_id", event.DatasetID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeEvent(event datasetChangedEvent) ([]byte, error) {
	if strings.TrimSpace(event.DatasetID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode dataset changed event", fmt.Errorf("dataset id is required"))
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal dataset changed event: %w", err)
	}
	return payload, nil
}

// Plain dataset ids are accepted so operators can publish with the nats CLI.
func decodeEvent(data []byte) (datasetChangedEvent, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return datasetChangedEvent{}, fmt.Errorf("empty dataset changed event")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return datasetChangedEvent{DatasetID: trimmed}, nil
	}
	var event datasetChangedEvent
	if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
		return datasetChangedEvent{}, fmt.Errorf("decode dataset changed event: %w", err)
	}
	if strings.TrimSpace(event.DatasetID) == "" {
		return datasetChangedEvent{}, fmt.Errorf("dataset changed event without dataset id")
	}
	return event, nil
}
