package georaster

import "context"

// Feedback receives progress of long running operations and tells them when
// to stop. Implementations are owned by the caller.
type Feedback interface {
	// Progress is called with a percentage in [0,100]
	Progress(percent float64)
	// Canceled is polled by the operation; returning true aborts it with ErrCanceled
	Canceled() bool
}

type contextFeedback struct {
	ctx        context.Context
	onProgress func(float64)
}

// ContextFeedback returns a Feedback that reports cancellation when ctx is
// done. onProgress may be nil.
func ContextFeedback(ctx context.Context, onProgress func(percent float64)) Feedback {
	return contextFeedback{ctx: ctx, onProgress: onProgress}
}

func (f contextFeedback) Progress(percent float64) {
	if f.onProgress != nil {
		f.onProgress(percent)
	}
}

func (f contextFeedback) Canceled() bool {
	return f.ctx.Err() != nil
}

// progress relays backend progress to a Feedback, only forwarding steps of at
// least 10% and polling for cancellation at each of them.
type progress struct {
	fb   Feedback
	last float64
}

func newProgress(fb Feedback) *progress {
	return &progress{fb: fb, last: -100}
}

// step reports percent and returns ErrCanceled if the feedback asked to stop
func (p *progress) step(percent float64) error {
	if p == nil || p.fb == nil {
		return nil
	}
	if percent-p.last >= 10 || percent >= 100 {
		p.fb.Progress(percent)
		p.last = percent
		if p.fb.Canceled() {
			return ErrCanceled
		}
	}
	return nil
}

func (p *progress) canceled() bool {
	return p != nil && p.fb != nil && p.fb.Canceled()
}

// ProgressFunc is passed to drivers through the context so that native
// operations can report their progress and observe cancellation.
type ProgressFunc func(percent float64) error

type progressKey struct{}

func withProgress(ctx context.Context, p *progress) context.Context {
	return WithProgressFunc(ctx, p.step)
}

// WithProgressFunc returns a context whose ReportProgress calls go to fn.
// Drivers use it to scale the progress of sub-steps.
func WithProgressFunc(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress is called by drivers at their callback points. It returns
// ErrCanceled when the operation must stop.
func ReportProgress(ctx context.Context, percent float64) error {
	if err := ctx.Err(); err != nil {
		return ErrCanceled
	}
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		return fn(percent)
	}
	return nil
}

// ProgressScope returns a context reporting the progress of step done out of
// total steps as the progress of the whole operation
func ProgressScope(ctx context.Context, done, total int) context.Context {
	return WithProgressFunc(ctx, func(percent float64) error {
		return ReportProgress(ctx, (float64(done)+percent/100)*100/float64(total))
	})
}
