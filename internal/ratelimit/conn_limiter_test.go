package ratelimit

import (
	"testing"
	"time"
)

func TestConnLimiter_StrikesAndDisconnect(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewConnLimiter(clk, 2, 3)

	for i := 0; i < 2; i++ {
		if got := l.Admit(); got != Allow {
			t.Fatalf("Admit #%d=%v, want %v", i, got, Allow)
		}
	}
	if got := l.Admit(); got != Drop {
		t.Fatalf("Admit=%v, want %v", got, Drop)
	}
	if got := l.Admit(); got != Drop {
		t.Fatalf("Admit=%v, want %v", got, Drop)
	}
	if got := l.Admit(); got != Disconnect {
		t.Fatalf("Admit=%v, want %v", got, Disconnect)
	}
}

func TestConnLimiter_AllowResetsStrikes(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewConnLimiter(clk, 1, 2)

	if got := l.Admit(); got != Allow {
		t.Fatalf("Admit=%v, want %v", got, Allow)
	}
	if got := l.Admit(); got != Drop {
		t.Fatalf("Admit=%v, want %v", got, Drop)
	}
	if l.Strikes() != 1 {
		t.Fatalf("strikes=%d, want 1", l.Strikes())
	}

	clk.Advance(time.Second)
	if got := l.Admit(); got != Allow {
		t.Fatalf("Admit=%v, want %v", got, Allow)
	}
	if l.Strikes() != 0 {
		t.Fatalf("strikes=%d, want 0", l.Strikes())
	}
}

func TestConnLimiter_Unlimited(t *testing.T) {
	l := NewConnLimiter(nil, 0, 1)
	for i := 0; i < 1000; i++ {
		if got := l.Admit(); got != Allow {
			t.Fatalf("Admit=%v, want %v", got, Allow)
		}
	}
}
