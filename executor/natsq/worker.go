package natsq

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/executor"
)

// Worker pulls tasks from the work queue, runs them and publishes results.
type Worker[T, R any] struct {
	js  JetStream
	cfg Config
	fn  executor.Func[T, R]
	log logrus.FieldLogger
	cc  []jetstream.ConsumeContext
}

// NewWorker returns a worker running fn on each task.
func NewWorker[T, R any](js JetStream, cfg Config, fn executor.Func[T, R]) (*Worker[T, R], error) {
	if js == nil {
		return nil, errors.New("natsq: jetstream cannot be nil")
	}
	cfg = cfg.withDefaults()
	return &Worker[T, R]{
		js:  js,
		cfg: cfg,
		fn:  fn,
		log: cfg.Logger.WithField("component", "natsq.worker"),
	}, nil
}

// Start attaches concurrency consumers to the durable work queue and
// returns. Tasks run under ctx.
func (w *Worker[T, R]) Start(ctx context.Context, concurrency int) error {
	if err := ensureStream(ctx, w.js, w.cfg); err != nil {
		return err
	}
	for range max(concurrency, 1) {
		cons, err := w.js.CreateOrUpdateConsumer(ctx, w.cfg.Stream, jetstream.ConsumerConfig{
			Durable:       w.cfg.Durable,
			AckPolicy:     jetstream.AckExplicitPolicy,
			FilterSubject: w.cfg.taskSubject(),
			AckWait:       w.cfg.AckWait,
			MaxDeliver:    w.cfg.MaxDeliver,
		})
		if err != nil {
			w.Stop()
			return fmt.Errorf("natsq: create consumer: %w", err)
		}
		cc, err := cons.Consume(func(msg jetstream.Msg) { w.handle(ctx, msg) })
		if err != nil {
			w.Stop()
			return fmt.Errorf("natsq: consume tasks: %w", err)
		}
		w.cc = append(w.cc, cc)
	}
	w.log.WithFields(logrus.Fields{"stream": w.cfg.Stream, "concurrency": len(w.cc)}).Info("worker subscribed")
	return nil
}

// Stop detaches from the queue.
func (w *Worker[T, R]) Stop() {
	for _, cc := range w.cc {
		cc.Stop()
	}
	w.cc = nil
}

// Serve runs the worker until ctx is canceled.
func (w *Worker[T, R]) Serve(ctx context.Context, concurrency int) error {
	if err := w.Start(ctx, concurrency); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	w.log.Info("worker stopped")
	return nil
}

func (w *Worker[T, R]) handle(ctx context.Context, msg jetstream.Msg) {
	var env taskEnvelope
	if err := cube.JSON.Unmarshal(msg.Data(), &env); err != nil || env.ID == "" {
		w.log.WithError(err).Warn("terminating undecodable task")
		_ = msg.Term()
		return
	}
	log := w.log.WithField("handle", env.ID)

	out := resultEnvelope{ID: env.ID}
	var task T
	if err := cube.JSON.Unmarshal(env.Task, &task); err != nil {
		out.Error = fmt.Sprintf("decode task: %v", err)
	} else if v, err := w.fn(ctx, task); err != nil {
		out.Error = err.Error()
	} else if out.Result, err = cube.JSON.Marshal(v); err != nil {
		out.Error = fmt.Sprintf("encode result: %v", err)
	}
	if out.Error != "" {
		log.WithField("error", out.Error).Warn("task failed")
	}

	data, err := cube.JSON.Marshal(out)
	if err == nil {
		_, err = w.js.Publish(ctx, w.cfg.resultSubject(env.ID), data, jetstream.WithMsgID("result-"+env.ID))
	}
	if err != nil {
		log.WithError(err).Error("publishing result failed; task will be redelivered")
		_ = msg.Nak()
		return
	}
	if err := msg.Ack(); err != nil {
		log.WithError(err).Warn("ack failed")
	}
}
