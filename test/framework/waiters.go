package framework

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Waiter polls a condition until it holds or the timeout expires.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a waiter with the given timeout and polling interval.
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: interval}
}

// DefaultWaiter returns a waiter tuned for in-process tests: 5s timeout,
// 20ms interval.
func DefaultWaiter() *Waiter {
	return NewWaiter(5*time.Second, 20*time.Millisecond)
}

// WaitFor waits for a condition to become true.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForText waits until a tab's replica shows the expected text.
func (w *Waiter) WaitForText(ctx context.Context, tab *Tab, want string) error {
	return w.WaitFor(ctx, func() bool {
		return tab.Text() == want
	}, fmt.Sprintf("tab text %q", want))
}

// WaitForConvergence waits until every tab shows the same text.
func (w *Waiter) WaitForConvergence(ctx context.Context, tabs ...*Tab) error {
	return w.WaitFor(ctx, func() bool {
		for i := 1; i < len(tabs); i++ {
			if tabs[i].Text() != tabs[0].Text() {
				return false
			}
		}
		return true
	}, "tab replicas to converge")
}

// WaitForFileContent waits until a file on disk holds the expected bytes.
// A missing file simply has not converged yet.
func (w *Waiter) WaitForFileContent(ctx context.Context, path, want string) error {
	return w.WaitFor(ctx, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == want
	}, fmt.Sprintf("file %s content %q", path, want))
}

// WaitForFileGone waits until a path no longer exists.
func (w *Waiter) WaitForFileGone(ctx context.Context, path string) error {
	return w.WaitFor(ctx, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, fmt.Sprintf("file %s removal", path))
}

// WaitForReady polls the harness readiness endpoint.
func (w *Waiter) WaitForReady(ctx context.Context, h *Harness) error {
	return w.WaitFor(ctx, func() bool {
		resp, err := http.Get(h.URL + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "server readiness")
}
