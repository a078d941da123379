package mqtt

import (
	"context"
	"time"
)

// reconnectLoop retries Connect with exponential backoff after a connection loss.
// It runs only when reconnect is enabled and stops on success, on Disconnect
// (which cancels ctx) or after MaxAttempts failures (0 means unlimited).
func (c *Client) reconnectLoop(ctx context.Context) {
	policy := c.cfg.Reconnect
	initial := time.Duration(policy.InitialDelay) * time.Second
	maxDelay := time.Duration(policy.MaxDelay) * time.Second

	for attempt := 1; policy.MaxAttempts == 0 || attempt <= policy.MaxAttempts; attempt++ {
		delay := backoffDelay(attempt, initial, maxDelay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.log().Info("reconnecting to MQTT broker", "attempt", attempt, "delay", delay)
		if c.Connect(ctx) == StateConnected {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}

	c.log().Warn("MQTT reconnect attempts exhausted", "attempts", policy.MaxAttempts)
}

// backoffDelay returns the wait before the given attempt (1-based):
// initial, 2*initial, 4*initial, ... capped at maxDelay.
func backoffDelay(attempt int, initial, maxDelay time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
