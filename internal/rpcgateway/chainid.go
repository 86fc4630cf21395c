package rpcgateway

import (
	"context"
	"sync"
)

// ChainID returns the upstream's chain id. eth_chainId is treated as
// immutable for the process lifetime: the first SUCCESSFUL response is
// memoized and served to every later caller without touching the
// upstream again. A failed attempt is not cached — the next caller
// tries again, rather than a transient dial error poisoning the
// process forever.
func (g *Gateway) ChainID(ctx context.Context) (string, error) {
	g.chainIDMu.RLock()
	if g.chainIDVal != "" {
		defer g.chainIDMu.RUnlock()
		return g.chainIDVal, nil
	}
	g.chainIDMu.RUnlock()

	g.chainIDMu.Lock()
	defer g.chainIDMu.Unlock()
	if g.chainIDVal != "" {
		return g.chainIDVal, nil
	}

	var id string
	if err := g.CallInto(ctx, &id, "eth_chainId"); err != nil {
		return "", err
	}
	g.chainIDVal = id
	return id, nil
}

// chainIDState is embedded into Gateway to keep the cache's
// synchronization next to the field it guards.
type chainIDState struct {
	chainIDMu  sync.RWMutex
	chainIDVal string
}
