package api

import (
	"context"
	"net/http"
	"time"

	"github.com/alexliesenfeld/health"
)

const healthCheckTimeout = 5 * time.Second

// Pinger is anything that can report whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler reports "up" only while every named dependency answers.
// Results are reused for cacheFor; zero checks on every request.
func NewHealthHandler(deps map[string]Pinger, cacheFor time.Duration) http.Handler {
	opts := []health.CheckerOption{health.WithTimeout(healthCheckTimeout)}
	if cacheFor > 0 {
		opts = append(opts, health.WithCacheDuration(cacheFor))
	} else {
		opts = append(opts, health.WithDisabledCache())
	}
	for name, dep := range deps {
		opts = append(opts, health.WithCheck(health.Check{
			Name:  name,
			Check: dep.Ping,
		}))
	}
	return health.NewHandler(health.NewChecker(opts...))
}
