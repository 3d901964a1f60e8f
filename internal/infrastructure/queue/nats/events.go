package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kamkaz1/mini-rag-reranker/internal/infrastructure/resilience"
)

const DefaultSubject = "index.snapshot.published"

// SnapshotEvents broadcasts snapshot publication. Every subscriber receives
// every event, so all API replicas swap to the new snapshot.
type SnapshotEvents struct {
	conn     *nats.Conn
	subject  string
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
	ClientName           string
}

func New(url, subject string) (*SnapshotEvents, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*SnapshotEvents, error) {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
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
	name := options.ClientName
	if name == "" {
		name = "mini-rag-reranker"
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &SnapshotEvents{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (e *SnapshotEvents) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}

type snapshotEvent struct {
	Version     string    `json:"version"`
	PublishedAt time.Time `json:"published_at"`
}

func encodeEvent(version string, at time.Time) ([]byte, error) {
	if strings.TrimSpace(version) == "" {
		return nil, errors.New("snapshot version is required")
	}
	return json.Marshal(snapshotEvent{Version: version, PublishedAt: at.UTC()})
}

// decodeEvent also accepts a bare version string.
func decodeEvent(data []byte) (string, error) {
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", errors.New("empty snapshot event")
	}
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	var ev snapshotEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return "", fmt.Errorf("decode snapshot event: %w", err)
	}
	if ev.Version == "" {
		return "", errors.New("snapshot event without version")
	}
	return ev.Version, nil
}

func (e *SnapshotEvents) PublishSnapshotReady(ctx context.Context, version string) error {
	payload, err := encodeEvent(version, time.Now())
	if err != nil {
		return err
	}
	call := func(_ context.Context) error {
		if err := e.conn.Publish(e.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		if err := e.conn.FlushTimeout(2 * time.Second); err != nil {
			return fmt.Errorf("nats flush: %w", err)
		}
		return nil
	}

	if e.executor != nil {
		err = e.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return resilience.WrapTemporary("nats publish", err, classifyNATSError)
}

// SubscribeSnapshotReady returns once the server has registered the
// subscription. It is drained when ctx is done. Handler errors are logged;
// the next event retries.
func (e *SnapshotEvents) SubscribeSnapshotReady(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := e.conn.Subscribe(e.subject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		version, err := decodeEvent(msg.Data)
		if err != nil {
			e.logger.Warn("ignore snapshot event", "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, version); err != nil {
			e.logger.Error("snapshot event handler failed", "version", version, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := e.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			if !errors.Is(err, nats.ErrConnectionClosed) {
				e.logger.Warn("nats drain subscription", "error", err)
			}
			return
		}
		if err := e.conn.FlushTimeout(5 * time.Second); err != nil {
			e.logger.Warn("nats flush after drain", "error", err)
		}
	}()
	return nil
}
