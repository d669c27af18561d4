package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/johndauphine/legacy-migrate/internal/logging"
	"go.uber.org/zap"
)

// Options configures a Controller.
type Options struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration

	Logger *zap.Logger
	// Now and Sleep are replaceable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
	// OnError receives every classified error after its resolution is attached.
	OnError func(*MigrationError)
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:       3,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		BreakerThreshold: 5,
		BreakerTimeout:   time.Minute,
	}
}

// Attempt describes the current try of a retried operation.
type Attempt struct {
	Number int
	// Shrink counts memory-related retries; callers split their work into
	// 2^Shrink pieces.
	Shrink int
}

// Controller classifies failures, retries them with backoff and keeps one
// circuit breaker per operation name.
type Controller struct {
	opts       Options
	classifier *Classifier
	backoff    Backoff
	log        *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewController creates a Controller. Zero fields in opts fall back to
// DefaultOptions.
func NewController(opts Options) *Controller {
	def := DefaultOptions()
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = def.BreakerThreshold
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = def.BreakerTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named("recovery")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Controller{
		opts:       opts,
		classifier: NewClassifier(opts.Now),
		backoff:    Backoff{Base: opts.BaseDelay, Max: opts.MaxDelay, Rand: opts.Rand},
		log:        opts.Logger,
		breakers:   make(map[string]*CircuitBreaker),
	}
}

// Backoff returns the controller's delay policy.
func (c *Controller) Backoff() Backoff {
	return c.backoff
}

// Classify converts err into a MigrationError carrying the retry budget.
func (c *Controller) Classify(err error, ec ErrorContext) *MigrationError {
	me := c.classifier.Classify(err, ec)
	me.MaxRetries = c.opts.MaxRetries
	return me
}

// DetermineResolution attaches and returns the resolution for me.
func (c *Controller) DetermineResolution(me *MigrationError) Resolution {
	return DetermineResolution(me, c.backoff)
}

// Breaker returns the circuit breaker for an operation name.
func (c *Controller) Breaker(operation string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[operation]
	if !ok {
		cb = NewCircuitBreaker(c.opts.BreakerThreshold, c.opts.BreakerTimeout, c.opts.Now)
		c.breakers[operation] = cb
	}
	return cb
}

// BreakerStates snapshots every known breaker.
func (c *Controller) BreakerStates() map[string]BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]BreakerState, len(c.breakers))
	for name, cb := range c.breakers {
		out[name] = cb.State()
	}
	return out
}

// Do is Execute for operations without a result.
func (c *Controller) Do(ctx context.Context, ec ErrorContext, op func(ctx context.Context, a Attempt) error) error {
	_, err := Execute(ctx, c, ec, func(ctx context.Context, a Attempt) (struct{}, error) {
		return struct{}{}, op(ctx, a)
	})
	return err
}

// Execute runs op until it succeeds or the resolution policy stops retrying.
// The returned error is a *MigrationError, or wraps ErrCircuitOpen when the
// operation's breaker refuses the call.
func Execute[T any](ctx context.Context, c *Controller, ec ErrorContext, op func(ctx context.Context, a Attempt) (T, error)) (T, error) {
	var zero T
	cb := c.Breaker(ec.Operation)
	attempt := Attempt{}

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if !cb.Allow() {
			return zero, fmt.Errorf("operation %q: %w (retry after %s)", ec.Operation, ErrCircuitOpen, cb.RetryAfter().Round(time.Second))
		}

		res, err := op(ctx, attempt)
		if err == nil {
			cb.RecordSuccess()
			return res, nil
		}
		if ctx.Err() != nil {
			cb.abandon()
			return zero, ctx.Err()
		}
		me := c.Classify(err, ec)
		me.RetryCount = attempt.Number
		if me.Type == TypeNetwork || me.Type == TypeSystem {
			cb.RecordFailure()
		} else {
			// the store answered; record-level rejections say nothing about its health
			cb.RecordSuccess()
		}
		resolution := c.DetermineResolution(me)
		c.report(me)

		if resolution.Action != ActionRetry {
			return zero, me
		}

		c.log.Debug("retrying operation",
			zap.String("operation", ec.Operation),
			zap.String("entity", ec.EntityType),
			zap.Int("attempt", attempt.Number+1),
			zap.Duration("delay", resolution.Delay),
			zap.String("type", string(me.Type)))

		if err := c.opts.Sleep(ctx, resolution.Delay); err != nil {
			return zero, err
		}
		attempt.Number++
		if resolution.ReduceBatch {
			attempt.Shrink++
		}
	}
}

func (c *Controller) report(me *MigrationError) {
	fields := []zap.Field{
		zap.String("type", string(me.Type)),
		zap.String("severity", string(me.Severity)),
		zap.String("entity", me.Context.EntityType),
		zap.String("operation", me.Context.Operation),
		zap.String("action", string(me.Resolution.Action)),
		zap.String("error", me.Message),
	}
	if me.Resolution.Action == ActionRetry || me.Resolution.Action == ActionSkip {
		c.log.Warn("migration error", fields...)
	} else {
		c.log.Error("migration error", fields...)
	}
	if c.opts.OnError != nil {
		c.opts.OnError(me)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
