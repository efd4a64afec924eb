package core

import "sync"

// Invoker spawns tracked goroutines. Rebuilt here in the idiom the
// teacher's pkg/mcast/core/peer.go and transport.go assume (both call
// InvokerInstance().Spawn(...)), since the file backing that interface
// was not itself present in the retrieved teacher tree. Abstracting
// goroutine spawning behind an interface, rather than calling `go` at
// every call site, is what lets tests assert no goroutine outlives
// shutdown (see verityhelpers.TestInvoker, mirroring the teacher's
// test/testing.go TestInvoker + goleak check).
type Invoker interface {
	// Spawn runs f on a new goroutine.
	Spawn(f func())
}

type defaultInvoker struct{}

func (defaultInvoker) Spawn(f func()) {
	go f()
}

var (
	instance   Invoker = defaultInvoker{}
	instanceMu sync.RWMutex
)

// InvokerInstance returns the process-wide default Invoker.
func InvokerInstance() Invoker {
	instanceMu.RLock()
	defer instanceMu.RUnlock()
	return instance
}

// SetInvoker overrides the process-wide default Invoker, used by tests
// that need to track every spawned goroutine (see verityhelpers).
func SetInvoker(i Invoker) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = i
}
