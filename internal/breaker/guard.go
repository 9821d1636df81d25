package breaker

import (
	"context"
	"fmt"
	"sync"

	"github.com/nulpointcorp/inference-failover/pkg/apierr"
)

// Guard is an admission ticket returned by Acquire. Its outcome is recorded
// against the generation it was admitted in: if the breaker has transitioned
// since, Done only updates lifetime stats.
type Guard struct {
	b     *Breaker
	gen   uint64
	probe bool
	once  sync.Once
}

// Acquire asks the breaker for admission. A rejected call returns a
// *apierr.CircuitOpenError carrying the remaining recovery time.
func (b *Breaker) Acquire() (*Guard, error) {
	ok, gen, probe := b.acquire()
	if !ok {
		return nil, &apierr.CircuitOpenError{Backend: b.cfg.Name, TimeUntilRetry: b.TimeUntilRetry()}
	}
	return &Guard{b: b, gen: gen, probe: probe}, nil
}

// Done records the call's outcome. A nil err is a success; any other error
// is classified with apierr.KindOf. Calls after the first are ignored.
func (g *Guard) Done(err error) {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if err == nil {
			g.b.record(g.gen, g.probe, true, apierr.KindUnknown, false)
			return
		}
		g.b.record(g.gen, g.probe, false, apierr.KindOf(err), false)
	})
}

// Execute runs fn under b. Rejections return *apierr.CircuitOpenError
// without calling fn. A panic inside fn is recorded as a server error and
// re-raised.
func Execute[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (result T, err error) {
	g, err := b.Acquire()
	if err != nil {
		return result, err
	}

	defer func() {
		if r := recover(); r != nil {
			g.Done(apierr.New(apierr.KindServer, b.cfg.Name, "panic: %v", r))
			panic(r)
		}
	}()

	result, err = fn(ctx)
	g.Done(err)
	return result, err
}

// Do is Execute for calls that return only an error.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (s Stats) String() string {
	return fmt.Sprintf("%s[%s calls=%d ok=%d failed=%d rejected=%d]",
		s.Name, s.StateLabel, s.TotalCalls, s.SuccessfulCalls, s.FailedCalls, s.RejectedCalls)
}
