// Package tasks supervises the agent's background goroutines under one
// shared lifetime.
package tasks

import (
	"context"
	"log/slog"
	"sync"
)

// Group runs named background tasks under a shared context. Closing the
// group cancels the context and waits for every task to return. Panics in
// tasks are recovered and logged so one broken loop cannot take the agent
// down.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroup creates a group whose tasks inherit from parent.
func NewGroup(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Go starts fn as a supervised task. fn should return when its context is
// cancelled.
func (g *Group) Go(name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		slog.Debug("background task started", "task", name)
		fn(g.ctx)
		slog.Debug("background task stopped", "task", name)
	}()
}

// Close cancels the group's context and blocks until all tasks have
// returned. Safe to call more than once.
func (g *Group) Close() {
	g.cancel()
	g.wg.Wait()
}
