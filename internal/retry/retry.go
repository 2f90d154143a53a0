// Package retry classifies transient failures and computes exponential
// backoff delays for Source API, Target API, and rollback calls.
package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	migerrors "github.com/randalmurphal/tmig/internal/errors"
)

// Config controls retry behavior. Zero fields take defaults.
type Config struct {
	MaxRetries    int           // retries after the first attempt
	InitialDelay  time.Duration // delay before the first retry
	BackoffFactor float64       // multiplier per retry
	StatusCodes   []int         // HTTP statuses that trigger a retry
	Classifiers   []func(error) bool
}

// DefaultConfig returns the standard policy parameters.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		BackoffFactor: 2.0,
		StatusCodes:   []int{429, 500, 502, 503, 504},
	}
}

// Policy decides whether a failed API call is attempted again and how
// long to wait before it is.
type Policy struct {
	maxRetries  int
	initial     time.Duration
	factor      float64
	statusCodes map[int]bool
	classifiers []func(error) bool
	logger      *slog.Logger
}

// New builds a Policy from cfg, filling zero fields from DefaultConfig.
func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if len(cfg.StatusCodes) == 0 {
		cfg.StatusCodes = def.StatusCodes
	}

	codes := make(map[int]bool, len(cfg.StatusCodes))
	for _, c := range cfg.StatusCodes {
		codes[c] = true
	}
	return &Policy{
		maxRetries:  cfg.MaxRetries,
		initial:     cfg.InitialDelay,
		factor:      cfg.BackoffFactor,
		statusCodes: codes,
		classifiers: cfg.Classifiers,
		logger:      slog.Default(),
	}
}

// NewDefault returns a Policy with DefaultConfig parameters.
func NewDefault() *Policy {
	return New(DefaultConfig())
}

// MaxRetries reports how many retries follow the first attempt.
func (p *Policy) MaxRetries() int { return p.maxRetries }

// Delay returns the wait before retrying after the given zero-based
// attempt: initial * factor^attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(float64(p.initial) * math.Pow(p.factor, float64(attempt)))
}

// ShouldRetry reports whether the zero-based attempt that produced err
// should be followed by another. Cancellation is never retried.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.maxRetries || err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.RetryableStatus(migerrors.StatusCodeOf(err)) {
		return true
	}
	if transient(err) {
		return true
	}
	for _, match := range p.classifiers {
		if match(err) {
			return true
		}
	}
	return false
}

// RetryableStatus reports whether the HTTP status code triggers a retry.
func (p *Policy) RetryableStatus(code int) bool {
	return p.statusCodes[code]
}

// Do runs fn, retrying per the policy. It returns nil on the first
// success and the last error once attempts are exhausted or the error
// is not retryable. The op label only feeds logging.
func (p *Policy) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !p.ShouldRetry(attempt, lastErr) {
			return lastErr
		}

		delay := p.Delay(attempt)
		p.logger.Warn("retrying after failure",
			"op", op,
			"attempt", attempt+1,
			"max_retries", p.maxRetries,
			"delay", delay,
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// transient reports whether err looks like a recoverable network or
// protocol failure.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"broken pipe",
		"timeout",
		"timed out",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"redirects",
		"chunked",
		"protocol error",
		"protocol_error",
		"connection pool",
		"no such host",
	}
	for _, pattern := range patterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
