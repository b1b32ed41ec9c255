package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/medic/internal/model"
)

const (
	readBlock     = 5 * time.Second
	readCount     = 16
	reclaimIdle   = 5 * time.Minute
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 30 * time.Second
	payloadField  = "payload"
	channelBuffer = 16
)

// RedisListener consumes a Redis stream through a named consumer group.
// Each process gets a unique consumer name; abandoned deliveries are
// reclaimed at startup.
type RedisListener struct {
	client   *redis.Client
	topic    string
	group    string
	consumer string
	logger   *slog.Logger
}

// NewRedisListener connects to the broker and ensures the consumer group
// exists, creating the stream if necessary.
func NewRedisListener(ctx context.Context, endpoint, topic, group string, logger *slog.Logger) (*RedisListener, error) {
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("stream: connect %s: %w", endpoint, err)
	}

	err := client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close()
		return nil, fmt.Errorf("stream: create consumer group: %w", err)
	}

	consumer := "medic-" + uuid.New().String()[:8]
	return &RedisListener{
		client:   client,
		topic:    topic,
		group:    group,
		consumer: consumer,
		logger:   logger.With("component", "stream", "consumer", consumer),
	}, nil
}

// Listen starts the delivery loop. Reconnection uses exponential backoff
// from 500ms to a 30s cap and never gives up.
func (l *RedisListener) Listen(ctx context.Context) <-chan Message {
	out := make(chan Message, channelBuffer)
	go func() {
		defer close(out)
		l.reclaim(ctx, out)

		backoff := backoffBase
		for {
			if ctx.Err() != nil {
				return
			}
			streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    l.group,
				Consumer: l.consumer,
				Streams:  []string{l.topic, ">"},
				Count:    readCount,
				Block:    readBlock,
			}).Result()
			switch {
			case err == nil:
				backoff = backoffBase
				for _, s := range streams {
					for _, m := range s.Messages {
						if !l.deliver(ctx, out, m) {
							return
						}
					}
				}
			case errors.Is(err, redis.Nil):
				backoff = backoffBase // empty read, not a failure
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return
			default:
				l.logger.Warn("stream read failed, backing off",
					"backoff", backoff.String(), "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, backoffCap)
			}
		}
	}()
	return out
}

// reclaim takes over messages another consumer left pending past the idle
// threshold. Recovers work lost to mid-processing crashes.
func (l *RedisListener) reclaim(ctx context.Context, out chan<- Message) {
	start := "0-0"
	for {
		msgs, next, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   l.topic,
			Group:    l.group,
			Consumer: l.consumer,
			MinIdle:  reclaimIdle,
			Start:    start,
			Count:    readCount,
		}).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.logger.Warn("pending reclaim failed", "error", err)
			}
			return
		}
		for _, m := range msgs {
			if !l.deliver(ctx, out, m) {
				return
			}
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// deliver parses one raw stream entry and sends it downstream. Returns
// false when ctx is done.
func (l *RedisListener) deliver(ctx context.Context, out chan<- Message, m redis.XMessage) bool {
	msg := Message{ID: m.ID}
	raw, ok := m.Values[payloadField].(string)
	if !ok {
		msg.Err = fmt.Errorf("stream: message %s has no %s field", m.ID, payloadField)
	} else if report, err := model.ParseKillReport([]byte(raw)); err != nil {
		msg.Err = err
	} else {
		msg.Report = report
	}
	select {
	case <-ctx.Done():
		return false
	case out <- msg:
		return true
	}
}

// Ack confirms a delivery with the broker.
func (l *RedisListener) Ack(ctx context.Context, id string) error {
	if err := l.client.XAck(ctx, l.topic, l.group, id).Err(); err != nil {
		return fmt.Errorf("stream: ack %s: %w", id, err)
	}
	return nil
}

// Close releases the broker connection.
func (l *RedisListener) Close() error {
	if err := l.client.Close(); err != nil {
		return fmt.Errorf("stream: close: %w", err)
	}
	return nil
}
