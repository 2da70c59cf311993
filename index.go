package reqcache

import (
	"context"
	"sync"

	"github.com/unkn0wn-root/reqcache/genstore"
)

// Index name prefixes. Tags and dependencies share one index and one
// generation space; the prefix keeps "user" the tag apart from "user"
// the dependency.
const (
	tagPrefix = "t:"
	depPrefix = "d:"
)

// nameIndex maps invalidation names to the storage keys bound to them,
// and the reverse. Generations live in the GenStore; the maps only
// exist so a sweep can find the affected entries without scanning the
// backend.
//
// Backend calls never happen under mu. The window between the
// generation check in register and the map insert is harmless: reads
// validate every entry's recorded generations before serving it, so an
// entry registered just after a bump is caught on its first read.
type nameIndex struct {
	gens genstore.GenStore

	mu         sync.Mutex
	keysByName map[string]map[string]struct{}
	namesByKey map[string]map[string]struct{}
}

func newNameIndex(gens genstore.GenStore) *nameIndex {
	return &nameIndex{
		gens:       gens,
		keysByName: make(map[string]map[string]struct{}),
		namesByKey: make(map[string]map[string]struct{}),
	}
}

// snapshot records the current generation of each name. Names never
// invalidated read as zero.
func (x *nameIndex) snapshot(ctx context.Context, names []string) (map[string]uint64, error) {
	if len(names) == 0 {
		return map[string]uint64{}, nil
	}
	return x.gens.SnapshotMany(ctx, names)
}

// register binds key to the named generations observed before the
// value was produced. It reports false, without binding, when any
// generation moved in the meantime; the caller must then discard the
// entry it wrote.
func (x *nameIndex) register(ctx context.Context, key string, observed map[string]uint64) (bool, error) {
	if len(observed) == 0 {
		return true, nil
	}

	names := make([]string, 0, len(observed))
	for n := range observed {
		names = append(names, n)
	}
	current, err := x.gens.SnapshotMany(ctx, names)
	if err != nil {
		return false, err
	}
	for n, g := range observed {
		if current[n] != g {
			return false, nil
		}
	}

	x.mu.Lock()
	for n := range observed {
		keys := x.keysByName[n]
		if keys == nil {
			keys = make(map[string]struct{})
			x.keysByName[n] = keys
		}
		keys[key] = struct{}{}

		names := x.namesByKey[key]
		if names == nil {
			names = make(map[string]struct{})
			x.namesByKey[key] = names
		}
		names[n] = struct{}{}
	}
	x.mu.Unlock()
	return true, nil
}

// forget removes key from every name it is bound to. Called when an
// entry leaves the cache for any reason.
func (x *nameIndex) forget(key string) {
	x.mu.Lock()
	for n := range x.namesByKey[key] {
		keys := x.keysByName[n]
		delete(keys, key)
		if len(keys) == 0 {
			delete(x.keysByName, n)
		}
	}
	delete(x.namesByKey, key)
	x.mu.Unlock()
}

// invalidate bumps the name's generation and unbinds every key
// registered under it, returning those keys so the caller can delete
// the entries. Keys bound to several names are unbound from all of
// them; a key's entry is gone no matter which of its names killed it.
func (x *nameIndex) invalidate(ctx context.Context, name string) ([]string, error) {
	if _, err := x.gens.Bump(ctx, name); err != nil {
		return nil, err
	}

	x.mu.Lock()
	affected := x.keysByName[name]
	keys := make([]string, 0, len(affected))
	for k := range affected {
		keys = append(keys, k)
		for n := range x.namesByKey[k] {
			if n == name {
				continue
			}
			peers := x.keysByName[n]
			delete(peers, k)
			if len(peers) == 0 {
				delete(x.keysByName, n)
			}
		}
		delete(x.namesByKey, k)
	}
	delete(x.keysByName, name)
	x.mu.Unlock()
	return keys, nil
}

func (x *nameIndex) close(ctx context.Context) error {
	return x.gens.Close(ctx)
}
