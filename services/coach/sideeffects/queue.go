// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sideeffects runs fire-and-forget work after a turn completes.
//
// Nothing here may affect a stream outcome: a full queue drops the task,
// a failing task logs and dies quietly. Capacity is bounded so a slow
// downstream (push gateway, reminder scheduler) cannot grow memory.
package sideeffects

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue is a bounded background worker pool.
//
// # Thread Safety
//
// Submit is safe for concurrent use. Close must be called exactly once,
// after all submitters have stopped.
type Queue struct {
	tasks       chan Task
	wg          sync.WaitGroup
	taskTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Options tune the queue.
type Options struct {
	// Capacity is the task buffer size. Default 256.
	Capacity int
	// Workers is the concurrency. Default 4.
	Workers int
	// TaskTimeout bounds each task. Default 10s.
	TaskTimeout time.Duration
}

// NewQueue starts the workers and returns a ready queue.
func NewQueue(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 10 * time.Second
	}

	q := &Queue{
		tasks:       make(chan Task, opts.Capacity),
		taskTimeout: opts.TaskTimeout,
	}
	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues a task without blocking.
//
// # Outputs
//
//   - bool: False when the queue is full or closed; the task is dropped
//     and logged. Callers never treat a drop as an error.
func (q *Queue) Submit(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		slog.Warn("Side-effect queue closed, dropping task", "task", task.Name)
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		slog.Warn("Side-effect queue full, dropping task", "task", task.Name)
		return false
	}
}

// Close stops accepting tasks, drains the buffer, and waits for the
// workers to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.runOne(task)
	}
}

func (q *Queue) runOne(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), q.taskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Side-effect task panicked", "task", task.Name, "panic", r)
		}
	}()

	if err := task.Run(ctx); err != nil {
		slog.Warn("Side-effect task failed", "task", task.Name, "error", err)
	}
}
