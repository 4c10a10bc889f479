// Package registry holds the single piece of process-wide mutable state
// in shardkit: which AppNames are currently running (spec §4.5). It
// exists so two CreateApp calls for the same AppName in one process can
// never both succeed.
package registry

import (
	"sync"

	shtypes "github.com/shardkit/shardkit/clientlibrary/types"
)

var (
	mu      sync.Mutex
	running = make(map[shtypes.AppName]shtypes.StreamName)
)

// Register atomically inserts appName, failing with
// ErrAppNameAlreadyRunning if it is already present.
func Register(appName shtypes.AppName, stream shtypes.StreamName) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := running[appName]; ok {
		return shtypes.ErrAppNameAlreadyRunning
	}
	running[appName] = stream
	return nil
}

// Unregister removes appName. It is a no-op if appName isn't registered,
// so disposal is idempotent.
func Unregister(appName shtypes.AppName) {
	mu.Lock()
	defer mu.Unlock()
	delete(running, appName)
}

// Lookup reports whether appName is currently registered, and the stream
// it was registered against.
func Lookup(appName shtypes.AppName) (shtypes.StreamName, bool) {
	mu.Lock()
	defer mu.Unlock()
	stream, ok := running[appName]
	return stream, ok
}
