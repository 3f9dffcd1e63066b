package service

import "sync"

// The handler registry is the explicit method table built at startup:
// service authors register their Definition from an init function or from
// main, and the server mounts whatever configuration enables.
var (
	regMu sync.RWMutex
	defs  = map[string]Definition{}
)

// Register records a service definition under its name. Registering the
// same name twice keeps the last definition; this only happens in tests.
func Register(def Definition) {
	regMu.Lock()
	defer regMu.Unlock()
	defs[def.Name] = def
}

// Lookup returns the registered definition for a service name.
func Lookup(name string) (Definition, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	def, ok := defs[name]
	return def, ok
}
