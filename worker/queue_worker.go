package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"relaycrm/queue"
)

// QueueWorker drives the queue processor on a timer for deployments
// without an external cron. It shares the run lock with the HTTP entry
// point, so a scheduler hitting /cron/process alongside it never
// causes a double send.
type QueueWorker struct {
	Queue    *queue.EmailQueue
	Lock     queue.Locker
	Interval time.Duration
	Logger   *logrus.Entry
}

func NewQueueWorker(q *queue.EmailQueue, lock queue.Locker, interval time.Duration, logger *logrus.Entry) *QueueWorker {
	return &QueueWorker{
		Queue:    q,
		Lock:     lock,
		Interval: interval,
		Logger:   logger,
	}
}

func (qw *QueueWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(10 * time.Second)

	qw.Logger.Info("queue worker started")

	ticker := time.NewTicker(qw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			qw.Logger.Info("queue worker shutting down")
			return
		case <-ticker.C:
			qw.runOnce(ctx)
		}
	}
}

func (qw *QueueWorker) runOnce(ctx context.Context) {
	acquired, err := qw.Lock.Acquire(ctx)
	if err != nil {
		qw.Logger.WithError(err).Error("queue lock acquire failed")
		return
	}
	if !acquired {
		qw.Logger.Debug("queue run already in progress, skipping tick")
		return
	}
	defer func() {
		if err := qw.Lock.Release(ctx); err != nil {
			qw.Logger.WithError(err).Warn("queue lock release failed")
		}
	}()

	if _, err := qw.Queue.RequeueFailed(ctx); err != nil {
		qw.Logger.WithError(err).Error("requeue pass failed")
	}

	result, err := qw.Queue.ProcessQueue(ctx)
	if err != nil {
		qw.Logger.WithError(err).Error("queue pass failed")
		return
	}
	for _, sendErr := range result.Errors {
		qw.Logger.WithField("error", sendErr).Warn("send failed")
	}
}
