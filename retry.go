package felutils

import "time"

// RetryPolicy bounds a polling or retry loop. Attempts <= 0 means a single try.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

var (
	// DefaultVerifyPolicy polls FES_VERIFY_STATUS.
	DefaultVerifyPolicy = RetryPolicy{Attempts: 5, Interval: 500 * time.Millisecond}
	// DefaultReconnectPolicy waits for the device to come back after a reboot.
	DefaultReconnectPolicy = RetryPolicy{Attempts: 10, Interval: time.Second}

	retryOnce = RetryPolicy{Attempts: 2}
)

// Do calls fn until it returns nil, retry(err) is false or the attempts are used up.
// The last error is returned. fn receives the zero-based attempt number.
func (p RetryPolicy) Do(fn func(attempt int) error, retry func(error) bool) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 && p.Interval > 0 {
			time.Sleep(p.Interval)
		}
		if err = fn(i); err == nil {
			return nil
		}
		if retry != nil && !retry(err) {
			return err
		}
	}
	return err
}
