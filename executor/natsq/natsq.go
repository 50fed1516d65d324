// Package natsq is a queue-backed executor: tasks are published to a NATS
// JetStream stream, picked up by workers running Serve, and their results
// published back on a per-task subject.
//
// Subjects, for prefix p:
//
//	p.tasks           task envelopes, consumed by a durable work queue
//	p.results.<id>    result envelopes, one per task
package natsq

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

// JetStream is the subset of jetstream.JetStream used here.
type JetStream interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	OrderedConsumer(ctx context.Context, stream string, cfg jetstream.OrderedConsumerConfig) (jetstream.Consumer, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
}

var _ JetStream = (jetstream.JetStream)(nil)

// Config names the stream and subjects shared by executors and workers.
type Config struct {
	// Stream is the JetStream stream name. Default "CUBEINGEST".
	Stream string

	// Prefix is the subject prefix. Default "cubeingest".
	Prefix string

	// Durable is the workers' shared consumer name. Default "cubeingest-workers".
	Durable string

	// AckWait is how long a worker may hold a task before redelivery.
	// Default 30 minutes.
	AckWait time.Duration

	// MaxDeliver bounds redeliveries of a task. Default 3.
	MaxDeliver int

	// MaxAge expires old messages from the stream. Default 7 days.
	MaxAge time.Duration

	// Storage selects file or memory storage. Default file.
	Storage jetstream.StorageType

	Logger logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "CUBEINGEST"
	}
	if c.Prefix == "" {
		c.Prefix = "cubeingest"
	}
	if c.Durable == "" {
		c.Durable = "cubeingest-workers"
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Minute
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 3
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

func (c Config) taskSubject() string           { return c.Prefix + ".tasks" }
func (c Config) resultSubject(id string) string { return c.Prefix + ".results." + id }
func (c Config) resultFilter() string           { return c.Prefix + ".results.>" }

func ensureStream(ctx context.Context, js JetStream, cfg Config) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.taskSubject(), cfg.resultFilter()},
		Storage:  cfg.Storage,
		MaxAge:   cfg.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("natsq: ensure stream %s: %w", cfg.Stream, err)
	}
	return nil
}

// Connect dials a NATS server and returns its JetStream context. The
// returned close function drains the connection.
func Connect(url string) (jetstream.JetStream, func(), error) {
	nc, err := nats.Connect(url, nats.Name("cubeingest"))
	if err != nil {
		return nil, nil, fmt.Errorf("natsq: connect %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("natsq: jetstream: %w", err)
	}
	return js, func() { _ = nc.Drain() }, nil
}

// -----------------------------------------------------------------------------
// Envelopes
// -----------------------------------------------------------------------------

type taskEnvelope struct {
	ID   string              `json:"id"`
	Task jsoniter.RawMessage `json:"task"`
}

type resultEnvelope struct {
	ID     string              `json:"id"`
	Result jsoniter.RawMessage `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// RemoteError is the failure reported by a worker for one task.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "natsq: remote task failed: " + e.Message }

// ErrMalformedEnvelope marks messages that could not be decoded.
var ErrMalformedEnvelope = errors.New("natsq: malformed envelope")

func decodeResult[R any](data []byte) (string, R, error) {
	var zero R
	var env resultEnvelope
	if err := cube.JSON.Unmarshal(data, &env); err != nil || env.ID == "" {
		return "", zero, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Error != "" {
		return env.ID, zero, &RemoteError{Message: env.Error}
	}
	var v R
	if len(env.Result) > 0 {
		if err := cube.JSON.Unmarshal(env.Result, &v); err != nil {
			return env.ID, zero, fmt.Errorf("%w: result: %v", ErrMalformedEnvelope, err)
		}
	}
	return env.ID, v, nil
}
