// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package copier

import (
	"context"

	"golang.org/x/time/rate"
)

const limiterBurstSize = 4 * 128 << 10

// Limiter caps the total copy rate across all workers. A rate of zero or
// less means unlimited.
type Limiter struct {
	lim *rate.Limiter
}

func NewLimiter(kibps int) *Limiter {
	l := &Limiter{
		lim: rate.NewLimiter(rate.Inf, limiterBurstSize),
	}
	l.SetRate(kibps)
	return l
}

// SetRate changes the allowed rate, in KiB/s.
func (l *Limiter) SetRate(kibps int) {
	if kibps <= 0 {
		l.lim.SetLimit(rate.Inf)
	} else {
		l.lim.SetLimit(1024 * rate.Limit(kibps))
	}
}

// Wait blocks until n bytes may be copied. Amounts larger than the burst
// size are consumed in several takes.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l == nil || l.lim.Limit() == rate.Inf {
		return nil
	}
	for n > 0 {
		take := n
		if take > limiterBurstSize {
			take = limiterBurstSize
		}
		if err := l.lim.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
