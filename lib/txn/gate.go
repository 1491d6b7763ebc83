package txn

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dGrid/lib/errs"
)

// gate admits transactions while open and lets a drain wait for the ones inside
type gate struct {
	mu     sync.Mutex
	open   bool
	active int
	idle   chan struct{} // closed while active == 0
}

func newGate() *gate {
	idle := make(chan struct{})
	close(idle)
	return &gate{open: true, idle: idle}
}

func (g *gate) enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return errs.New(errs.RetCNotAccepting, "the node does not accept new transactions")
	}
	if g.active == 0 {
		g.idle = make(chan struct{})
	}
	g.active++
	return nil
}

func (g *gate) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	if g.active == 0 {
		close(g.idle)
	}
}

func (g *gate) setOpen(open bool) {
	g.mu.Lock()
	g.open = open
	g.mu.Unlock()
}

func (g *gate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// wait blocks until no transaction is inside or ctx ends
func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
