package engine

import (
	"context"
	"sync"

	"github.com/reviewflow/reviewflow/internal/bus"
)

// humanGate parks checks that returned ErrHumanInputPending until a
// HumanInputResolved event arrives for them. Resolutions that land before
// the check starts waiting are buffered, so the subscribe/publish order
// between frontend and scheduler never matters.
type humanGate struct {
	mu       sync.Mutex
	waiters  map[string]chan string
	resolved map[string]string
}

func newHumanGate(b *bus.Bus) *humanGate {
	g := &humanGate{
		waiters:  map[string]chan string{},
		resolved: map[string]string{},
	}
	if b != nil {
		b.On(bus.TopicHumanInputResolved, func(env bus.Envelope) {
			if r, ok := env.Payload.(bus.HumanInputResolved); ok {
				g.resolve(r.CheckID, r.Value)
			}
		})
	}
	return g
}

func (g *humanGate) resolve(checkID, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.waiters[checkID]; ok {
		delete(g.waiters, checkID)
		ch <- value
		return
	}
	g.resolved[checkID] = value
}

// wait blocks until the check's input arrives or ctx ends.
func (g *humanGate) wait(ctx context.Context, checkID string) (string, error) {
	g.mu.Lock()
	if v, ok := g.resolved[checkID]; ok {
		delete(g.resolved, checkID)
		g.mu.Unlock()
		return v, nil
	}
	ch := make(chan string, 1)
	g.waiters[checkID] = ch
	g.mu.Unlock()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.waiters, checkID)
		g.mu.Unlock()
		return "", ctx.Err()
	}
}
