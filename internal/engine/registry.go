package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/flowc/internal/ir"
)

// Operator implementation shapes. Params are the node's declared parameters
// with flow part arguments already substituted.
type (
	// EmitFunc sends a record to the named output port.
	EmitFunc func(port string, r ir.Record) error

	// UpdateFunc transforms one record. Used by update, convert and logging.
	UpdateFunc func(params ir.Object, r ir.Record) (ir.Record, error)

	// BranchFunc picks the output port for a record.
	BranchFunc func(params ir.Object, r ir.Record) (string, error)

	// ExtractFunc emits any number of records for one input record.
	ExtractFunc func(params ir.Object, r ir.Record, emit EmitFunc) error

	// FoldFunc combines two records of the same group.
	FoldFunc func(params ir.Object, acc, r ir.Record) (ir.Record, error)

	// GroupFunc receives one sorted group per input port. GroupSort has one
	// input; CoGroup has one per input, any of which may be empty.
	GroupFunc func(params ir.Object, groups [][]ir.Record, emit EmitFunc) error

	// JoinUpdateFunc rewrites a transaction record that found its master.
	JoinUpdateFunc func(params ir.Object, master, tx ir.Record) (ir.Record, error)

	// JoinBranchFunc picks the output port for a transaction record. master
	// is nil when no master matched.
	JoinBranchFunc func(params ir.Object, master, tx ir.Record) (string, error)
)

// Registry maps implementation references to functions. It satisfies the
// compiler's Catalog, so a plan can be checked against the operators a
// process can actually run.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	impls map[string]any
}

// NewRegistry returns a registry holding the builtin implementations.
func NewRegistry() *Registry {
	r := &Registry{impls: make(map[string]any)}
	registerBuiltins(r)
	return r
}

// Register binds name to fn, which must be one of the implementation
// shapes declared in this package. Re-registering a name replaces it.
func (r *Registry) Register(name string, fn any) error {
	switch fn.(type) {
	case UpdateFunc, BranchFunc, ExtractFunc, FoldFunc, GroupFunc, JoinUpdateFunc, JoinBranchFunc:
	default:
		return fmt.Errorf("register %q: unsupported implementation type %T", name, fn)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[name] = fn
	return nil
}

// MustRegister is Register for static setup; it panics on error.
func (r *Registry) MustRegister(name string, fn any) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.impls[name]
	return ok
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.impls))
	for name := range r.impls {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// lookup returns the implementation registered as name if it has shape T.
func lookup[T any](r *Registry, name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.impls[name].(T)
	return fn, ok
}
