package felutils

import (
	"errors"
	"testing"
)

func TestRetryPolicy(t *testing.T) {
	boom := errors.New("boom")
	stop := errors.New("stop")

	tests := []struct {
		name     string
		policy   RetryPolicy
		failures int
		fail     error
		calls    int
		wantErr  error
	}{
		{"first try", RetryPolicy{Attempts: 3}, 0, boom, 1, nil},
		{"zero attempts is one try", RetryPolicy{}, 5, boom, 1, boom},
		{"succeeds on the last", RetryPolicy{Attempts: 3}, 2, boom, 3, nil},
		{"used up", RetryPolicy{Attempts: 3}, 5, boom, 3, boom},
		{"not retryable", RetryPolicy{Attempts: 3}, 5, stop, 1, stop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := tt.policy.Do(func(attempt int) error {
				if attempt != calls {
					t.Errorf("attempt = %d, want %d", attempt, calls)
				}
				calls++
				if calls <= tt.failures {
					return tt.fail
				}
				return nil
			}, func(err error) bool { return err != stop })
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.calls {
				t.Errorf("calls = %d, want %d", calls, tt.calls)
			}
		})
	}
}
