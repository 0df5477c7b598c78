// Package middleware provides the HTTP middleware that sits in front of the
// API handlers: bearer token authentication and login throttling.
//
// Authenticator resolves the bearer token and stores the principal in the
// request context, where rbac and tenancy pick it up:
//
//	authn := middleware.NewAuthenticator(authService)
//	api.Use(authn.Handler)
//
// RateLimit throttles a route with either limiter. RateLimiter keeps token
// buckets in process memory; DistributedRateLimiter keeps fixed-window
// counters in Redis so every instance shares them. Limiter errors fail open.
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "fleetwise:ratelimit:login")
//	login := middleware.RateLimit(limiter, middleware.ClientIPKey(trustProxy))
package middleware
