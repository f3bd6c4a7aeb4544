// Package ratelimit provides keyed token-bucket rate limiting built on
// golang.org/x/time/rate, and the HTTP middleware that applies it.
//
// # Basic Usage
//
//	limiter, err := ratelimit.NewLocal(5, 10) // 5 RPS, burst of 10
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if !limiter.TryAcquireForKey("org-1/user-1") {
//		// Request denied
//		return
//	}
//
// # HTTP Middleware
//
//	router.Use(ratelimit.HTTPMiddleware(limiter, ratelimit.IPKey))
//
// Each key gets its own bucket. Buckets idle for longer than the cleanup
// period are dropped, and MaxKeys bounds how many are kept at once.
package ratelimit
