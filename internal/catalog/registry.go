package catalog

import "sync"

// registry is the process-wide set of open catalogs, keyed by
// database name (spec.md §4.8 open()/close() steps 4/3: "record/remove
// the database in the process-wide registry"). Unlike the teacher's
// static singleton, it is a package-level value only because nothing
// in this layer constructs more than one process per binary; callers
// that need isolation construct their own Catalog and never touch
// this registry directly.
var registry = struct {
	mu sync.Mutex
	m  map[string]*Catalog
}{m: make(map[string]*Catalog)}

func registerCatalog(name string, c *Catalog) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.m[name] = c
}

func unregisterCatalog(name string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.m, name)
}

// Lookup returns a previously opened catalog by database name.
func Lookup(name string) (*Catalog, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	c, ok := registry.m[name]
	return c, ok
}
