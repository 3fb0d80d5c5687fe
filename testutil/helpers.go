// Package testutil provides shared helpers for tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/extractflow/llm"
)

// TestContext returns a context with a 30 second timeout, cancelled on
// test cleanup.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout returns a context with a custom timeout.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns an already-cancelled context.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// UserMessage builds a user chat message.
func UserMessage(content string) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: content}
}

// SystemMessage builds a system chat message.
func SystemMessage(content string) llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: content}
}

// CollectChunks drains a stream channel into a slice, failing the test
// if the channel does not close within the timeout.
func CollectChunks[T any](t *testing.T, ch <-chan T, timeout time.Duration) []T {
	t.Helper()

	var out []T
	deadline := time.After(timeout)
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, item)
		case <-deadline:
			t.Fatalf("channel did not close within %v (collected %d items)", timeout, len(out))
			return out
		}
	}
}

// AssertEventuallyTrue polls until the condition holds or the timeout
// elapses.
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("condition did not become true within %v", timeout)
}
