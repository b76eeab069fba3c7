package fly402

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type config struct {
	clock              func() time.Time
	logger             *slog.Logger
	metrics            *Metrics
	newReference       func() string
	middleware         []Middleware
	exemptPaths        []string
	unverifiedPayments bool
	webhook            *webhookConfig
}

// Middleware wraps the guarded handler chain.
type Middleware func(http.HandlerFunc) http.HandlerFunc

func applyMiddleware(h http.HandlerFunc, middleware ...Middleware) http.HandlerFunc {
	for _, m := range middleware {
		h = m(h)
	}
	return h
}

// Option customizes a [Guard].
type Option func(*config)

// WithClock provides deterministic time in tests.
func WithClock(fn func() time.Time) Option {
	return func(cfg *config) {
		cfg.clock = fn
	}
}

// WithLogger sets the structured logger for guard decisions.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics records challenge metrics.
func WithMetrics(m *Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}

// WithReferenceGenerator replaces the random UUID reference generator.
// Generated references must be unique.
func WithReferenceGenerator(fn func() string) Option {
	return func(cfg *config) {
		if fn != nil {
			cfg.newReference = fn
		}
	}
}

// WithMiddleware appends custom middleware in the order provided. It
// runs outside the payment check.
func WithMiddleware(mw ...Middleware) Option {
	return func(cfg *config) {
		for _, m := range mw {
			if m == nil {
				continue
			}
			cfg.middleware = append(cfg.middleware, m)
		}
	}
}

// WithExemptPaths lets requests whose path starts with any prefix
// through without payment.
func WithExemptPaths(prefixes ...string) Option {
	return func(cfg *config) {
		for _, p := range prefixes {
			if p = strings.TrimSpace(p); p != "" {
				cfg.exemptPaths = append(cfg.exemptPaths, p)
			}
		}
	}
}

// WithUnverifiedPaymentsForTesting accepts authorizations without
// checking the ledger. Single use is still enforced. [NewGuard] refuses
// it outside the development environment. Never use it in production.
func WithUnverifiedPaymentsForTesting() Option {
	return func(cfg *config) {
		cfg.unverifiedPayments = true
	}
}

func defaultConfig() config {
	return config{
		clock:        time.Now,
		logger:       slog.New(slog.DiscardHandler),
		newReference: uuid.NewString,
	}
}

func (cfg config) exempt(path string) bool {
	for _, prefix := range cfg.exemptPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
