package natsq

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/executor"
)

// Executor publishes tasks to the work queue and collects their results.
type Executor[T, R any] struct {
	js    JetStream
	cfg   Config
	log   logrus.FieldLogger
	table *executor.Table[R]
	cc    jetstream.ConsumeContext
}

var (
	_ executor.Executor[int, int] = (*Executor[int, int])(nil)
	_ executor.Releaser           = (*Executor[int, int])(nil)
	_ executor.Canceler           = (*Executor[int, int])(nil)
)

// New ensures the stream exists and starts listening for results.
func New[T, R any](ctx context.Context, js JetStream, cfg Config) (*Executor[T, R], error) {
	if js == nil {
		return nil, errors.New("natsq: jetstream cannot be nil")
	}
	cfg = cfg.withDefaults()
	if err := ensureStream(ctx, js, cfg); err != nil {
		return nil, err
	}

	e := &Executor[T, R]{
		js:    js,
		cfg:   cfg,
		log:   cfg.Logger.WithField("component", "natsq.executor"),
		table: executor.NewTable[R](),
	}

	cons, err := js.OrderedConsumer(ctx, cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{cfg.resultFilter()},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("natsq: result consumer: %w", err)
	}
	cc, err := cons.Consume(e.handleResult)
	if err != nil {
		return nil, fmt.Errorf("natsq: consume results: %w", err)
	}
	e.cc = cc
	return e, nil
}

func (e *Executor[T, R]) handleResult(msg jetstream.Msg) {
	id, v, err := decodeResult[R](msg.Data())
	if id == "" {
		e.log.WithError(err).WithField("subject", msg.Subject()).Warn("dropping undecodable result")
		return
	}
	// Results for handles this executor did not issue are ignored.
	if e.table.Finish(executor.Handle(id), v, err) {
		e.log.WithField("handle", id).Debug("task finished")
	}
}

// Submit publishes the task. The message id deduplicates retried publishes.
func (e *Executor[T, R]) Submit(ctx context.Context, task T) (executor.Handle, error) {
	payload, err := cube.JSON.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("natsq: encode task: %w", err)
	}
	id := uuid.NewString()
	data, err := cube.JSON.Marshal(taskEnvelope{ID: id, Task: payload})
	if err != nil {
		return "", fmt.Errorf("natsq: encode envelope: %w", err)
	}

	h := executor.Handle(id)
	e.table.Track(h)
	if _, err := e.js.Publish(ctx, e.cfg.taskSubject(), data, jetstream.WithMsgID(id)); err != nil {
		e.table.Release(h)
		return "", fmt.Errorf("natsq: publish task: %w", err)
	}
	return h, nil
}

func (e *Executor[T, R]) Ready(_ context.Context, handles []executor.Handle) (completed, failed, pending []executor.Handle, err error) {
	return e.table.Ready(handles)
}

func (e *Executor[T, R]) Result(_ context.Context, h executor.Handle) (R, error) {
	return e.table.Result(h)
}

func (e *Executor[T, R]) Results(ctx context.Context, handles []executor.Handle) ([]R, error) {
	return executor.CollectResults(ctx, handles, e.Result)
}

func (e *Executor[T, R]) Release(handles ...executor.Handle) { e.table.Release(handles...) }

// Cancel fails the handle locally. A worker already running the task
// finishes it, and its result is ignored.
func (e *Executor[T, R]) Cancel(_ context.Context, h executor.Handle) error {
	var zero R
	if e.table.Finish(h, zero, executor.ErrCanceled) {
		return nil
	}
	if _, err := e.table.Result(h); errors.Is(err, executor.ErrUnknownHandle) {
		return err
	}
	return nil
}

// Close stops the result consumer.
func (e *Executor[T, R]) Close() error {
	if e.cc != nil {
		e.cc.Stop()
	}
	return nil
}
