package auction

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUnit_TryLock(t *testing.T) {
	u := newUnit(&State{ID: "a-1", Stage: StageLive})
	if err := u.tryLock(context.Background(), time.Second); err != nil {
		t.Fatalf("first tryLock: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		wait    time.Duration
		wantErr error
	}{
		{name: "held past wait", ctx: context.Background(), wait: 10 * time.Millisecond, wantErr: errLockTimeout},
		{name: "caller cancelled", ctx: cancelled, wait: time.Second, wantErr: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			err := u.tryLock(tt.ctx, tt.wait)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("tryLock() = %v, want %v", err, tt.wantErr)
			}
			if elapsed := time.Since(start); elapsed > tt.wait+500*time.Millisecond {
				t.Errorf("tryLock returned after %v", elapsed)
			}
		})
	}

	acquired := make(chan error, 1)
	go func() { acquired <- u.tryLock(context.Background(), time.Second) }()
	time.Sleep(10 * time.Millisecond)
	u.unlock()
	if err := <-acquired; err != nil {
		t.Fatalf("tryLock after unlock: %v", err)
	}
	u.unlock()
}
