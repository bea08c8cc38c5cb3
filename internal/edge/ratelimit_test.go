package edge

import (
	"testing"
	"time"
)

func TestLimiterSlidingWindow(t *testing.T) {
	limiter := NewLimiter(10*time.Second, 5, 30*time.Second)
	now := time.UnixMilli(1_000_000)

	for i := 0; i < 5; i++ {
		out := limiter.Hit("key", now.Add(time.Duration(i)*time.Second))
		if !out.Allowed {
			t.Fatalf("hit %d should be allowed", i+1)
		}
		if want := 5 - (i + 1); out.Remaining != want {
			t.Fatalf("hit %d: expected remaining %d, got %d", i+1, want, out.Remaining)
		}
	}

	out := limiter.Hit("key", now.Add(5*time.Second))
	if out.Allowed {
		t.Fatal("6th hit within window should be blocked")
	}
	if out.RetryAfter != 30*time.Second {
		t.Fatalf("expected retryAfter 30s, got %v", out.RetryAfter)
	}
}

func TestLimiterBlockIsFlatPenalty(t *testing.T) {
	limiter := NewLimiter(10*time.Second, 2, 20*time.Second)
	now := time.UnixMilli(1_000_000)

	limiter.Hit("key", now)
	limiter.Hit("key", now)
	blocked := limiter.Hit("key", now)
	if blocked.Allowed {
		t.Fatal("expected block after limit")
	}

	// Retrying while blocked neither extends nor erases the block.
	retry := limiter.Hit("key", now.Add(5*time.Second))
	if retry.Allowed {
		t.Fatal("blocked key must stay blocked")
	}
	if retry.RetryAfter != 15*time.Second {
		t.Fatalf("expected remaining block 15s, got %v", retry.RetryAfter)
	}

	// Once the block lifts, accounting resumes with an effectively fresh
	// window (the old timestamps have aged out).
	after := limiter.Hit("key", now.Add(21*time.Second))
	if !after.Allowed {
		t.Fatal("hit after block expiry should be allowed")
	}
	if after.Remaining != 1 {
		t.Fatalf("expected fresh window remaining 1, got %d", after.Remaining)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewLimiter(10*time.Second, 1, 10*time.Second)
	now := time.UnixMilli(1_000_000)

	if out := limiter.Hit("a", now); !out.Allowed {
		t.Fatal("first hit for key a should pass")
	}
	if out := limiter.Hit("b", now); !out.Allowed {
		t.Fatal("key b must not be affected by key a")
	}
	if out := limiter.Hit("a", now); out.Allowed {
		t.Fatal("key a should now be blocked")
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	limiter := NewLimiter(10*time.Second, 2, 10*time.Second)
	now := time.UnixMilli(1_000_000)

	limiter.Hit("key", now)
	limiter.Hit("key", now.Add(time.Second))

	// 11s later the first two events have left the window.
	out := limiter.Hit("key", now.Add(12*time.Second))
	if !out.Allowed {
		t.Fatal("events outside the window must not count")
	}
}

func TestLimiterPrunesStaleKeys(t *testing.T) {
	limiter := NewLimiter(time.Second, 3, time.Second)
	now := time.UnixMilli(1_000_000)

	limiter.Hit("one-shot", now)
	limiter.Hit("other", now.Add(3*time.Second))

	limiter.mu.Lock()
	_, ok := limiter.entries["one-shot"]
	limiter.mu.Unlock()
	if ok {
		t.Fatal("drained key should have been pruned")
	}
}
