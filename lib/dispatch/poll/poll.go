// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package poll repeats a check until it succeeds or time runs out.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrTimeout = errors.New("timed out")

// Until calls fn right away, then every interval, until fn returns
// true, ctx is done, or timeout has elapsed. An error from fn does
// not stop polling, but the most recent one is included in the
// timeout error.
//
// A timeout of zero means no limit other than ctx.
func Until(ctx context.Context, interval, timeout time.Duration, fn func(context.Context) (bool, error)) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastErr error
	for {
		done, err := fn(ctx)
		if done {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}
			if lastErr != nil {
				return fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, lastErr)
			}
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ticker.C:
		}
	}
}
