package driver

import (
	"sort"
	"sync"

	"github.com/Sanzentyo/video-hw/media"
)

var (
	regMu    sync.RWMutex
	runtimes = make(map[media.Backend]Runtime)
)

// Register installs a runtime for its backend, replacing any prior
// registration. Platform shims register themselves from init when their
// library loads; tests register fakes.
func Register(rt Runtime) {
	regMu.Lock()
	runtimes[rt.Backend()] = rt
	regMu.Unlock()
}

// Unregister removes a backend's runtime. Used by tests.
func Unregister(b media.Backend) {
	regMu.Lock()
	delete(runtimes, b)
	regMu.Unlock()
}

// Lookup returns the runtime for a backend, if one registered.
func Lookup(b media.Backend) (Runtime, bool) {
	regMu.RLock()
	rt, ok := runtimes[b]
	regMu.RUnlock()
	return rt, ok
}

// Backends lists every backend with a registered runtime, in stable order.
func Backends() []media.Backend {
	regMu.RLock()
	out := make([]media.Backend, 0, len(runtimes))
	for b := range runtimes {
		out = append(out, b)
	}
	regMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
