// Package threadgroup coordinates the shutdown of long-running goroutines.
package threadgroup

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when the threadgroup has already been stopped
var ErrClosed = errors.New("threadgroup closed")

// A ThreadGroup tracks goroutines and blocks Stop until all of them have
// returned.
type ThreadGroup struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	closing chan struct{}
}

// Done returns a channel that is closed when the threadgroup is stopped.
func (tg *ThreadGroup) Done() <-chan struct{} {
	return tg.closing
}

// Add adds a new thread to the group. The returned function must be called
// when the thread exits. If the group has been stopped, ErrClosed is returned.
func (tg *ThreadGroup) Add() (func(), error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	select {
	case <-tg.closing:
		return nil, ErrClosed
	default:
	}
	tg.wg.Add(1)
	var once sync.Once
	return func() { once.Do(tg.wg.Done) }, nil
}

// AddContext is like Add, but also returns a context that is cancelled when
// either the parent context is cancelled or the group is stopped.
func (tg *ThreadGroup) AddContext(parent context.Context) (context.Context, func(), error) {
	done, err := tg.Add()
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-ctx.Done():
		case <-tg.closing:
		}
		cancel()
	}()
	return ctx, func() {
		cancel()
		done()
	}, nil
}

// Stop closes the group and waits for all threads to exit. Subsequent calls
// are no-ops.
func (tg *ThreadGroup) Stop() {
	tg.mu.Lock()
	select {
	case <-tg.closing:
		tg.mu.Unlock()
		return
	default:
	}
	close(tg.closing)
	tg.mu.Unlock()
	tg.wg.Wait()
}

// New creates a new ThreadGroup.
func New() *ThreadGroup {
	return &ThreadGroup{
		closing: make(chan struct{}),
	}
}
