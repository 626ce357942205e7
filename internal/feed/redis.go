package feed

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "feed:"

// Channel returns the pub/sub channel carrying changes for one table.
func Channel(table string) string { return channelPrefix + table }

// Publisher pushes normalized change events onto redis after each
// mutating write.
type Publisher struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewPublisher(rdb *redis.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{rdb: rdb, log: logger}
}

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, Channel(ev.Table), payload).Err()
}

// Subscriber consumes change events for a set of tables.
type Subscriber struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewSubscriber(rdb *redis.Client, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{rdb: rdb, log: logger}
}

// Run subscribes to the tables' channels and delivers events until the
// context ends. Payloads that fail to normalize are reported through
// onError and skipped; the subscription stays up.
func (s *Subscriber) Run(ctx context.Context, tables []string, onEvent func(Event), onError func(error)) error {
	channels := make([]string, 0, len(tables))
	for _, t := range tables {
		channels = append(channels, Channel(t))
	}
	pubsub := s.rdb.Subscribe(ctx, channels...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			ev, err := Normalize([]byte(msg.Payload))
			if err != nil {
				s.log.Warn("dropping malformed feed payload", "channel", msg.Channel, "err", err)
				if onError != nil {
					onError(err)
				}
				continue
			}
			onEvent(ev)
		}
	}
}
