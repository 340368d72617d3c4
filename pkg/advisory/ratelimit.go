package advisory

import "golang.org/x/time/rate"

// RateLimit holds the client-side pacing for one upstream source.
type RateLimit struct {
	// RequestsPerSecond is the sustained rate limit.
	RequestsPerSecond float64
	// Burst is the maximum burst size.
	Burst int
}

// nvdRateLimit matches NVD's published limits: 5 requests per rolling 30s
// without an API key, 50 per 30s with one.
func nvdRateLimit(hasAPIKey bool) RateLimit {
	if hasAPIKey {
		return RateLimit{RequestsPerSecond: 50.0 / 30.0, Burst: 1}
	}
	return RateLimit{RequestsPerSecond: 5.0 / 30.0, Burst: 1}
}

// ghsaRateLimit stays below GitHub's secondary rate limits.
func ghsaRateLimit() RateLimit {
	return RateLimit{RequestsPerSecond: 1.2, Burst: 1}
}

func newLimiter(cfg RateLimit) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
}
