package worker

import (
	"context"
	"fmt"
	"time"

	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// Task is one iteration of a background loop
type Task func(ctx context.Context) error

// Loop runs a named task on a fixed interval until its context is cancelled.
// A failed or panicking iteration is logged and followed by the error backoff.
type Loop struct {
	name         string
	interval     time.Duration
	errorBackoff time.Duration
	task         Task
	logger       *zap.Logger
}

// NewLoop creates a new background loop
func NewLoop(name string, interval, errorBackoff time.Duration, task Task) *Loop {
	if errorBackoff <= 0 {
		errorBackoff = interval
	}
	return &Loop{
		name:         name,
		interval:     interval,
		errorBackoff: errorBackoff,
		task:         task,
		logger:       util.GetLogger().With(zap.String("worker", name)),
	}
}

// Name returns the loop name
func (l *Loop) Name() string {
	return l.name
}

// Run blocks until ctx is cancelled. The first iteration runs immediately.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("Starting worker", zap.Duration("interval", l.interval))
	defer l.logger.Info("Worker stopped")

	for {
		wait := l.interval
		if err := l.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("Worker iteration failed", zap.Error(err))
			wait = l.errorBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", l.name, r)
		}
	}()
	return l.task(ctx)
}

// Group runs several loops and waits for all of them to stop
type Group struct {
	loops []*Loop
	done  chan struct{}
}

// NewGroup creates a group of loops
func NewGroup(loops ...*Loop) *Group {
	return &Group{loops: loops}
}

// Start launches every loop in its own goroutine
func (g *Group) Start(ctx context.Context) {
	g.done = make(chan struct{}, len(g.loops))
	for _, l := range g.loops {
		go func(l *Loop) {
			defer func() { g.done <- struct{}{} }()
			l.Run(ctx)
		}(l)
	}
}

// Wait blocks until every loop has returned or ctx expires
func (g *Group) Wait(ctx context.Context) error {
	for range g.loops {
		select {
		case <-g.done:
		case <-ctx.Done():
			return fmt.Errorf("failed to stop workers: %w", ctx.Err())
		}
	}
	return nil
}
