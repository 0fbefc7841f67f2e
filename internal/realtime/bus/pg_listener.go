package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

// PGListener turns Postgres NOTIFY payloads written by the row change
// triggers into events. Rows announce themselves, so Publish is a no-op and
// writers in any process (or plain SQL) reach every listener.
type PGListener struct {
	dsn     string
	channel string
	log     *logger.Logger
	local   *MemoryBus

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewPGListener(dsn, channel string, log *logger.Logger) (*PGListener, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("missing postgres dsn")
	}
	if strings.TrimSpace(channel) == "" {
		channel = "pipeline_changes"
	}
	return &PGListener{
		dsn:     dsn,
		channel: channel,
		log:     log.With("service", "PGListener", "channel", channel),
		local:   NewMemoryBus(log),
		done:    make(chan struct{}),
	}, nil
}

func (l *PGListener) Publish(ctx context.Context, ev Event) error { return nil }

// Subscribe starts the shared LISTEN loop on first use.
func (l *PGListener) Subscribe(ctx context.Context, fn func(Event)) error {
	if err := l.local.Subscribe(ctx, fn); err != nil {
		return err
	}
	l.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		go l.loop(runCtx)
	})
	return nil
}

func (l *PGListener) Close() error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	return l.local.Close()
}

func (l *PGListener) loop(ctx context.Context) {
	defer close(l.done)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	for {
		err := l.listen(ctx, b)
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		l.log.Warn("postgres listen loop ended; reconnecting", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (l *PGListener) listen(ctx context.Context, b *backoff.ExponentialBackOff) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.Reset()
	l.log.Info("listening for change notifications")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := decodeNotification(n.Payload)
		if err != nil {
			l.log.Warn("bad change notification payload", "error", err)
			continue
		}
		_ = l.local.Publish(ctx, ev)
	}
}

func decodeNotification(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, err
	}
	if ev.Table == "" {
		return Event{}, fmt.Errorf("notification without table")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev, nil
}
