// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a soft-bounded pool of goroutines used to split large numeric
// loops (e.g. rotating all the rows of a feature tensor) across CPUs.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Pool of workers. The zero value is not usable, create it with New.
//
// A Pool is safe for concurrent use.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int

	// extraParallelism is temporarily increased when a worker goes to sleep waiting for others.
	extraParallelism atomic.Int32
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{}
	w.maxParallelism = runtime.NumCPU()
	w.cond = sync.Cond{L: &w.mu}
	klog.V(1).Infof("workerspool: new pool with maxParallelism=%d", w.maxParallelism)
	return w
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is a soft-target for parallelism.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// Only change the parallelism before any workers start running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism+int(w.extraParallelism.Load())
}

// lockedRunTaskInGoroutine runs task and keeps tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// StartIfAvailable runs the task in a separate goroutine, if there are enough workers left.
// It returns true if it found workers to run the function, false otherwise.
//
// It's up to the client to synchronize the end of the function execution.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// WorkerIsAsleep indicates the worker (the one that called the method) is going to sleep waiting
// for other workers, and temporarily increases the available number of workers.
//
// Call WorkerRestarted when the worker is ready to run again.
func (w *Pool) WorkerIsAsleep() {
	w.extraParallelism.Add(1)
}

// WorkerRestarted indicates the worker (the one that called the method) is ready to run again.
// It should only be called after WorkerIsAsleep.
func (w *Pool) WorkerRestarted() {
	w.extraParallelism.Add(-1)
}

// ParallelFor calls fn(task) for every task in [0, numTasks) and returns when all calls finished.
//
// Tasks are grouped into contiguous chunks, one per available worker. Chunks that find no free
// worker are run inline by the caller, so ParallelFor never blocks waiting for the pool and it
// is safe to call from within another pool task.
//
// fn must be safe to call concurrently for different tasks.
func (w *Pool) ParallelFor(numTasks int, fn func(task int)) {
	if numTasks <= 0 {
		return
	}
	numChunks := w.maxParallelism
	if numChunks < 0 {
		numChunks = runtime.NumCPU()
	}
	numChunks = min(numChunks, numTasks)
	if numChunks <= 1 {
		for task := range numTasks {
			fn(task)
		}
		return
	}

	runChunk := func(chunk int) {
		start := chunk * numTasks / numChunks
		end := (chunk + 1) * numTasks / numChunks
		for task := start; task < end; task++ {
			fn(task)
		}
	}
	var wg sync.WaitGroup
	// Chunk 0 is always run by the caller.
	for chunk := 1; chunk < numChunks; chunk++ {
		wg.Add(1)
		started := w.StartIfAvailable(func() {
			defer wg.Done()
			runChunk(chunk)
		})
		if !started {
			wg.Done()
			runChunk(chunk)
		}
	}
	runChunk(0)
	w.WorkerIsAsleep()
	wg.Wait()
	w.WorkerRestarted()
}
