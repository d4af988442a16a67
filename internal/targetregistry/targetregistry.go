// Package targetregistry lets a populate deployment register its
// target tables and make procedures by name, so the populate CLI can
// look one up at runtime instead of requiring a target to be wired by
// hand into command code. Registration happens from an init() in the
// package that defines the target, the same way the teacher's cmd/bd
// subcommands self-register onto rootCmd from their own init()
// functions.
package targetregistry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/datajoint/populate/internal/types"
)

// Entry bundles a target's schema description with its make
// procedure, the pair populate.Populate needs to run.
type Entry struct {
	Target *types.TargetTable
	Proc   any
}

var (
	mu      sync.RWMutex
	entries = map[string]Entry{}
)

// Register adds name to the registry. It panics on a duplicate name,
// matching the teacher's cobra AddCommand convention of failing fast
// on a programming error rather than silently overwriting.
func Register(name string, entry Entry) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := entries[name]; exists {
		panic(fmt.Sprintf("targetregistry: %q already registered", name))
	}
	entries[name] = entry
}

// Lookup returns the entry registered under name.
func Lookup(name string) (Entry, error) {
	mu.RLock()
	defer mu.RUnlock()
	entry, ok := entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("no populate target registered under name %q", name)
	}
	return entry, nil
}

// Names returns every registered target name, sorted, for CLI help
// text and the `populate status` listing.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
