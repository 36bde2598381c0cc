// Copyright (C) 2025 fleet-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package rpc

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleet-x-project/fleet/internal/logger"
)

// RateLimiterOptions configures RateLimiterMiddleware.
type RateLimiterOptions struct {
	MaxRequests int
	WindowMs    int64
}

// RateLimiterMiddleware enforces a budget of MaxRequests per WindowMs per
// ctx.From, short-circuiting over-limit callers with
// RATE_LIMIT_EXCEEDED. The budget is a token bucket (burst MaxRequests,
// one permit refilled every WindowMs/MaxRequests), not an exact sliding
// window: a spent permit comes back before a full window has passed.
// Unauthenticated requests (ctx.From == "") are
// keyed together, since there is no identity to key on individually.
func RateLimiterMiddleware(opts RateLimiterOptions) Middleware {
	window := time.Duration(opts.WindowMs) * time.Millisecond
	// token bucket refilling to MaxRequests over the window approximates
	// the sliding-window budget: burst == MaxRequests, refill rate spreads
	// one permit per window/MaxRequests.
	refillInterval := window / time.Duration(opts.MaxRequests)
	limitPerSecond := rate.Every(refillInterval)

	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(limitPerSecond, opts.MaxRequests)
			limiters[key] = l
		}
		return l
	}

	return func(ctx *Ctx, next Next) *Response {
		key := ctx.From
		if !limiterFor(key).Allow() {
			return errorResponse(ctx.Request.ID, newError(CodeRateLimitExceeded, "rate limit exceeded"))
		}
		return next()
	}
}

// LoggerMiddleware records method, ctx.From, and elapsed time on every
// response without inspecting or mutating it.
func LoggerMiddleware(log logger.Logger) Middleware {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return func(ctx *Ctx, next Next) *Response {
		start := time.Now()
		resp := next()
		fields := []logger.Field{
			logger.String("method", ctx.Request.Method),
			logger.String("from", ctx.From),
			logger.Duration("elapsed", time.Since(start)),
		}
		if resp != nil && resp.Error != nil {
			fields = append(fields, logger.Int("error_code", resp.Error.Code))
		}
		log.Debug("rpc request handled", fields...)
		return resp
	}
}
