package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/role"
)

// Context carries a single role invocation through the chain.
type Context struct {
	// SessionID identifies the session the invocation belongs to
	SessionID string

	// RoleKind is the stage role being invoked
	RoleKind role.Kind

	// Input is the participant line driving the invocation
	Input string

	// Reply is populated by the final handler
	Reply *role.Reply

	// Error from execution
	Error error

	// Metadata for passing data between middlewares
	Metadata map[string]interface{}

	context context.Context
}

// NewContext creates a new middleware context
func NewContext(ctx context.Context) *Context {
	return &Context{
		Metadata: make(map[string]interface{}),
		context:  ctx,
	}
}

// Context returns the underlying context.Context
func (c *Context) Context() context.Context {
	return c.context
}

// Middleware intercepts role invocations in the turn pipeline.
type Middleware interface {
	// Name returns the name of the middleware for logging and debugging
	Name() string

	// Execute runs the middleware logic
	// It receives the current context and a next handler to continue the chain
	// Returning error will stop the middleware chain
	Execute(ctx *Context, next Handler) error
}

// Handler is the function called to pass control to the next middleware
type Handler func(*Context) error

// Chain represents a sequence of middleware to be executed
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Add appends a middleware to the chain
func (c *Chain) Add(m Middleware) *Chain {
	c.middlewares = append(c.middlewares, m)
	return c
}

// Execute runs all middlewares in the chain
func (c *Chain) Execute(ctx *Context, finalHandler Handler) error {
	return c.executeMiddleware(ctx, 0, finalHandler)
}

// executeMiddleware recursively executes middlewares in sequence
func (c *Chain) executeMiddleware(ctx *Context, index int, finalHandler Handler) error {
	if index >= len(c.middlewares) {
		return finalHandler(ctx)
	}

	nextHandler := func(ctx *Context) error {
		return c.executeMiddleware(ctx, index+1, finalHandler)
	}

	return c.middlewares[index].Execute(ctx, nextHandler)
}

// RequestLogger logs role invocations and their outcomes
type RequestLogger struct {
	logger *slog.Logger
}

// NewRequestLogger creates a request logging middleware
func NewRequestLogger(logger *slog.Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// Name returns the middleware name
func (m *RequestLogger) Name() string {
	return "RequestLogger"
}

// Execute logs the invocation before and after the rest of the chain runs
func (m *RequestLogger) Execute(ctx *Context, next Handler) error {
	if m.logger != nil {
		m.logger.Debug("role invocation",
			"session_id", ctx.SessionID,
			"role", ctx.RoleKind,
			"input_len", len(ctx.Input))
	}
	err := next(ctx)
	if m.logger != nil {
		if err != nil {
			m.logger.Warn("role invocation failed",
				"session_id", ctx.SessionID,
				"role", ctx.RoleKind,
				"error", err)
		} else if ctx.Reply != nil {
			m.logger.Debug("role invocation complete",
				"session_id", ctx.SessionID,
				"role", ctx.RoleKind,
				"latency", ctx.Reply.Metadata.Latency)
		}
	}
	return err
}

// InputValidator rejects blank or oversized participant input before it
// reaches a model backend.
type InputValidator struct {
	maxLen int
}

// NewInputValidator creates an input validation middleware. maxLen <= 0
// disables the length check.
func NewInputValidator(maxLen int) *InputValidator {
	return &InputValidator{maxLen: maxLen}
}

// Name returns the middleware name
func (m *InputValidator) Name() string {
	return "InputValidator"
}

// Execute validates the input
func (m *InputValidator) Execute(ctx *Context, next Handler) error {
	if strings.TrimSpace(ctx.Input) == "" {
		return fmt.Errorf("input is empty: %w", errors.ErrInvalidInput)
	}
	if m.maxLen > 0 && len(ctx.Input) > m.maxLen {
		return fmt.Errorf("input exceeds %d bytes: %w", m.maxLen, errors.ErrInvalidInput)
	}
	return next(ctx)
}

// ErrorHandler maps or absorbs errors from downstream middlewares
type ErrorHandler struct {
	handler func(error) error
}

// NewErrorHandler creates an error handling middleware
func NewErrorHandler(handler func(error) error) *ErrorHandler {
	return &ErrorHandler{handler: handler}
}

// Name returns the middleware name
func (m *ErrorHandler) Name() string {
	return "ErrorHandler"
}

// Execute handles errors from downstream middlewares
func (m *ErrorHandler) Execute(ctx *Context, next Handler) error {
	err := next(ctx)
	if err != nil && m.handler != nil {
		return m.handler(err)
	}
	return err
}

// RateLimiter caps the number of invocations passing through the chain per
// window. The counter resets when a new window opens.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	counter     int
}

// NewRateLimiter creates a rate limiting middleware allowing maxRequests
// invocations per window.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Name returns the middleware name
func (m *RateLimiter) Name() string {
	return "RateLimiter"
}

// Execute checks the limit before passing control on
func (m *RateLimiter) Execute(ctx *Context, next Handler) error {
	m.mu.Lock()
	now := m.now()
	if now.Sub(m.windowStart) >= m.window {
		m.windowStart = now
		m.counter = 0
	}
	if m.counter >= m.maxRequests {
		m.mu.Unlock()
		return fmt.Errorf("limit of %d per %s reached: %w", m.maxRequests, m.window, errors.ErrQuotaExceeded)
	}
	m.counter++
	m.mu.Unlock()
	return next(ctx)
}
