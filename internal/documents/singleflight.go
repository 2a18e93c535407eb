package documents

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultLoadTimeout = 30 * time.Second

// loadGroup collapses concurrent loads of the same document. The shared load
// is detached from the caller that started it and bounded by timeout, so one
// caller giving up never fails the others. Each caller still returns as soon
// as its own context ends.
type loadGroup struct {
	group   singleflight.Group
	timeout time.Duration
}

func newLoadGroup(timeout time.Duration) *loadGroup {
	if timeout <= 0 {
		timeout = defaultLoadTimeout
	}
	return &loadGroup{timeout: timeout}
}

func (g *loadGroup) Do(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error, bool) {
	resultChan := g.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		return fn(loadCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err(), false
	case res := <-resultChan:
		return res.Val, res.Err, res.Shared
	}
}
