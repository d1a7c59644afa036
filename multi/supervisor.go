package multi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nyat-dev/nyat"
	"github.com/nyat-dev/nyat/mapper"
	"github.com/sirupsen/logrus"
)

// backoff is the pause before restarting a task whose Mapper.Run returned
// a recoverable error after exhausting its own internal retries.
const backoff = 5 * time.Second

// taskHandler logs every mapping change with the task name, then forwards
// it to an optional inner handler (e.g. an exec hook).
type taskHandler struct {
	name  string
	log   *logrus.Logger
	inner mapper.MappingHandler
}

func (h taskHandler) OnChange(info nyat.MappingInfo) {
	h.log.WithField("task", h.name).Infof("%s %s", info.Public, info.Local)
	if h.inner != nil {
		h.inner.OnChange(info)
	}
}

// Run starts every task in cfg concurrently and blocks until ctx is
// cancelled or every task has hit a fatal error. A task whose Mapper.Run
// returns a recoverable error is restarted from scratch after backoff,
// forever; a fatal error (Kind=Socket) ends that task's goroutine for
// good without affecting the others.
func Run(ctx context.Context, cfg *Config, log *logrus.Logger, handlerFor func(name string) mapper.MappingHandler) error {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var wg sync.WaitGroup
	for _, tc := range cfg.Tasks {
		tc := tc
		m, err := tc.Builder()
		if err != nil {
			return err
		}

		var inner mapper.MappingHandler
		if handlerFor != nil {
			inner = handlerFor(tc.Name)
		}
		handler := taskHandler{name: tc.Name, log: log, inner: inner}

		wg.Add(1)
		go func() {
			defer wg.Done()
			superviseTask(ctx, tc.Name, m, handler, log)
		}()
	}

	wg.Wait()
	return nil
}

func superviseTask(ctx context.Context, name string, m mapper.Mapper, handler mapper.MappingHandler, log *logrus.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := m.Run(ctx, handler)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}

		var nerr *nyat.Error
		if errors.As(err, &nerr) && nerr.Kind.Fatal() {
			log.WithField("task", name).Errorf("fatal: %v", err)
			return
		}

		log.WithField("task", name).Warnf("%v, retrying...", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
