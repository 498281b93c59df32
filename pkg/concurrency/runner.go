package concurrency

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
)

// SafeGo runs the function in a goroutine and recovers from panics
func SafeGo(ctx context.Context, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic recovered: %v", r)
				stack := string(debug.Stack())
				logger.L().ErrorContext(ctx, "goroutine panic", "error", err, "stack", stack)
			}
		}()
		fn()
	}()
}

// FanOut runs 'n' copies of the task concurrently and waits for all to finish
func FanOut(ctx context.Context, n int, fn func(i int)) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		idx := i
		SafeGo(ctx, func() {
			defer wg.Done()
			fn(idx)
		})
	}
	wg.Wait()
}

// Guard runs fn and converts a recovered panic into an error, the
// errgroup-compatible counterpart to SafeGo: a caller like
// errgroup.Group.Go needs the goroutine's outcome back as an error rather
// than fire-and-forget, so one malformed request can cancel just its own
// connection instead of crashing the process.
func Guard(ctx context.Context, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			logger.L().ErrorContext(ctx, "goroutine panic recovered", "error", r, "stack", stack)
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return fn()
}
