package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine with a name, optional parent context
// Example usage:
//
//	groutine.Go(ctx, "scan-loop", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetGID returns the numeric goroutine ID (hacky, for debugging).
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return gid
}

// Group supervises a set of named goroutines sharing one parent context.
// The zero value is ready to use.
type Group struct {
	wg     sync.WaitGroup
	active atomic.Int32

	mu    sync.Mutex
	names map[string]struct{}
}

// Go starts fn as a named goroutine tracked by the group.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	g.active.Add(1)

	g.mu.Lock()
	if g.names == nil {
		g.names = make(map[string]struct{})
	}
	g.names[name] = struct{}{}
	g.mu.Unlock()

	Go(ctx, name, func(ctx context.Context) {
		defer func() {
			g.mu.Lock()
			delete(g.names, name)
			g.mu.Unlock()
			g.active.Add(-1)
			g.wg.Done()
		}()
		fn(ctx)
	})
}

// Active returns the number of goroutines that have not returned yet.
func (g *Group) Active() int {
	return int(g.active.Load())
}

// Running reports whether a goroutine with the given name is still running.
func (g *Group) Running(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.names[name]
	return ok
}

// Wait blocks until every goroutine returned or timeout elapsed.
// It returns false on timeout.
func (g *Group) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
