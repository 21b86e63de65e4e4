package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/callturn/pkg/errorsx"
	"github.com/harunnryd/callturn/pkg/metrics"
	"github.com/harunnryd/callturn/pkg/resilience"
)

// CircuitBreakerGenerator wraps a Generator with rate-limit circuit breaking.
// While open, calls fail fast so the caller moves straight to its fallback.
type CircuitBreakerGenerator struct {
	inner   Generator
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerGenerator(inner Generator, breaker *resilience.CircuitBreaker, obs metrics.Observer) *CircuitBreakerGenerator {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerGenerator{inner: inner, breaker: breaker, obs: metrics.OrNoop(obs)}
}

func (a *CircuitBreakerGenerator) Name() string { return a.inner.Name() }

func (a *CircuitBreakerGenerator) Generate(ctx context.Context, messages []Message) (Response, error) {
	if !a.breaker.Allow() {
		a.setOpen(true)
		a.record(metrics.EventBreakerDenied)
		return Response{}, errorsx.Wrap(resilience.RateLimitError{Provider: a.Name(), Message: "circuit open"}, errorsx.ReasonLLMCircuitOpen)
	}
	a.setOpen(false)
	resp, err := a.inner.Generate(ctx, messages)
	if err != nil {
		if resilience.IsRateLimit(err) {
			a.record(metrics.EventRateLimit)
		}
		a.breaker.OnError(err)
		return Response{}, err
	}
	a.breaker.OnSuccess()
	return resp, nil
}

func (a *CircuitBreakerGenerator) record(name string) {
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"provider":  a.inner.Name(),
			"component": "llm",
		},
	})
}

func (a *CircuitBreakerGenerator) setOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.record(metrics.EventBreakerOpen)
		return
	}
	a.record(metrics.EventBreakerClose)
}
