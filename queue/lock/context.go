package lock

import (
	"context"
	"time"
)

func timeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return context.WithTimeout(context.Background(), timeout)
}
