package main

import (
	"context"
	"sync"
)

// background runs long-lived loops that must be stopped and awaited before
// the resources they use are closed.
type background struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBackground(parent context.Context) *background {
	ctx, cancel := context.WithCancel(parent)
	return &background{ctx: ctx, cancel: cancel}
}

func (b *background) Go(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

// Stop cancels every loop and waits for them to return. It is safe to call
// more than once.
func (b *background) Stop() {
	b.cancel()
	b.wg.Wait()
}
