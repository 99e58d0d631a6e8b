package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"dspflow/logging"
)

// JetStream wraps a NATS connection and its JetStream context.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect dials NATS. Reconnects are unbounded; the client buffers publishes
// while disconnected.
func Connect(url, name string, logger *slog.Logger) (*JetStream, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}
	return &JetStream{nc: nc, js: js, logger: logger}, nil
}

// EnsureStream creates or updates a file-backed stream capturing subjects.
func (j *JetStream) EnsureStream(ctx context.Context, name string, subjects []string) error {
	_, err := j.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("bus: ensure stream %s: %w", name, err)
	}
	j.logger.Info("stream ready", slog.String("stream", name), slog.Any("subjects", subjects))
	return nil
}

// ConsumerConfig describes a durable pull consumer.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
	// Provision creates or updates the consumer; otherwise it must exist.
	Provision bool
}

// Source binds a durable pull consumer.
func (j *JetStream) Source(ctx context.Context, cfg ConsumerConfig) (Source, error) {
	var (
		cons jetstream.Consumer
		err  error
	)
	if cfg.Provision {
		cons, err = j.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
			Durable:       cfg.Durable,
			FilterSubject: cfg.FilterSubject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			MaxDeliver:    cfg.MaxDeliver,
			AckWait:       cfg.AckWait,
		})
	} else {
		cons, err = j.js.Consumer(ctx, cfg.Stream, cfg.Durable)
	}
	if err != nil {
		return nil, fmt.Errorf("bus: consumer %s/%s: %w", cfg.Stream, cfg.Durable, err)
	}
	return &consumerSource{cons: cons}, nil
}

// Sink publishes through JetStream and waits for the stream's ack.
func (j *JetStream) Sink() Sink {
	return &streamSink{js: j.js}
}

// Close drains the connection.
func (j *JetStream) Close() error {
	return j.nc.Drain()
}

type streamSink struct {
	js jetstream.JetStream
}

func (s *streamSink) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := s.js.Publish(ctx, subject, data)
	return err
}

type consumerSource struct {
	cons jetstream.Consumer
}

func (c *consumerSource) Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := c.cons.Fetch(batch, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, err
	}
	var out []Message
	for m := range res.Messages() {
		out = append(out, m)
	}
	if err := res.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, err
	}
	return out, nil
}
