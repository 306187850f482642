package auction_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/auction"
)

func intPtr(n int) *int { return &n }

func TestExtensionPolicy_Apply(t *testing.T) {
	end := base.Add(time.Hour)
	policy := auction.ExtensionPolicy{Window: 2 * time.Minute, Duration: 5 * time.Minute}

	tests := []struct {
		name    string
		policy  auction.ExtensionPolicy
		count   int
		arrival time.Time
		want    bool
		wantEnd time.Time
		wantCnt int
	}{
		{
			name:    "outside window",
			policy:  policy,
			arrival: end.Add(-10 * time.Minute),
			want:    false,
			wantEnd: end,
		},
		{
			name:    "exactly at window start is outside",
			policy:  policy,
			arrival: end.Add(-2 * time.Minute),
			want:    false,
			wantEnd: end,
		},
		{
			name:    "just inside window",
			policy:  policy,
			arrival: end.Add(-2*time.Minute + time.Millisecond),
			want:    true,
			wantEnd: end.Add(-2*time.Minute + time.Millisecond).Add(5 * time.Minute),
			wantCnt: 1,
		},
		{
			name:    "exactly at end is inside",
			policy:  policy,
			arrival: end,
			want:    true,
			wantEnd: end.Add(5 * time.Minute),
			wantCnt: 1,
		},
		{
			name:    "after end",
			policy:  policy,
			arrival: end.Add(time.Second),
			want:    false,
			wantEnd: end,
		},
		{
			name:    "cap reached",
			policy:  auction.ExtensionPolicy{Window: 2 * time.Minute, Duration: 5 * time.Minute, Cap: intPtr(2)},
			count:   2,
			arrival: end.Add(-time.Second),
			want:    false,
			wantEnd: end,
			wantCnt: 2,
		},
		{
			name:    "below cap",
			policy:  auction.ExtensionPolicy{Window: 2 * time.Minute, Duration: 5 * time.Minute, Cap: intPtr(2)},
			count:   1,
			arrival: end.Add(-time.Second),
			want:    true,
			wantEnd: end.Add(-time.Second).Add(5 * time.Minute),
			wantCnt: 2,
		},
		{
			name:    "zero cap never extends",
			policy:  auction.ExtensionPolicy{Window: 2 * time.Minute, Duration: 5 * time.Minute, Cap: intPtr(0)},
			arrival: end.Add(-time.Second),
			want:    false,
			wantEnd: end,
		},
		{
			name:    "duration shorter than remaining time does not move end earlier",
			policy:  auction.ExtensionPolicy{Window: 10 * time.Minute, Duration: time.Minute},
			arrival: end.Add(-5 * time.Minute),
			want:    false,
			wantEnd: end,
		},
		{
			name:    "zero window disables",
			policy:  auction.ExtensionPolicy{},
			arrival: end,
			want:    false,
			wantEnd: end,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.Apply(end, tt.count, tt.arrival)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if got.Extended != tt.want {
				t.Errorf("Extended = %v, want %v", got.Extended, tt.want)
			}
			if !got.End.Equal(tt.wantEnd) {
				t.Errorf("End = %v, want %v", got.End, tt.wantEnd)
			}
			if got.Count != tt.wantCnt {
				t.Errorf("Count = %d, want %d", got.Count, tt.wantCnt)
			}
		})
	}
}

func TestExtensionPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  auction.ExtensionPolicy
		wantErr bool
	}{
		{name: "disabled", policy: auction.ExtensionPolicy{}},
		{name: "valid", policy: auction.ExtensionPolicy{Window: time.Minute, Duration: time.Minute, Cap: intPtr(3)}},
		{name: "negative window", policy: auction.ExtensionPolicy{Window: -time.Minute}, wantErr: true},
		{name: "window without duration", policy: auction.ExtensionPolicy{Window: time.Minute}, wantErr: true},
		{name: "negative cap", policy: auction.ExtensionPolicy{Window: time.Minute, Duration: time.Minute, Cap: intPtr(-1)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, auction.ErrConfiguration) {
				t.Errorf("error %v does not wrap ErrConfiguration", err)
			}
		})
	}

	_, err := auction.ExtensionPolicy{Window: time.Minute, Duration: time.Minute, Cap: intPtr(-1)}.Apply(base, 0, base)
	if !errors.Is(err, auction.ErrConfiguration) {
		t.Errorf("Apply with bad cap error = %v, want ErrConfiguration", err)
	}
}
