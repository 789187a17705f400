package testutil

import (
	"testing"
	"time"
)

// WaitFor 从通道中读取直到 match 返回 true 或超时
func WaitFor[T any](t *testing.T, ch <-chan T, timeout time.Duration, match func(T) bool) T {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed while waiting")
			}
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("timed out after %v", timeout)
		}
	}
}

// Collect 在时间窗口内收集通道中的所有值
func Collect[T any](ch <-chan T, window time.Duration) []T {
	var out []T
	deadline := time.After(window)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-deadline:
			return out
		}
	}
}
