// Package registry provides the type-keyed capability registry that backs
// the composition root. Services are registered once at startup under the
// interface they are consumed through and resolved by type, not by name.
package registry

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "noirdesk/pkg/errors"
)

// Registry maps a capability type to exactly one live instance.
//
// Registration is a startup-time operation; steady-state callers only
// resolve. Access is serialized internally so background workers resolving
// capabilities never race a late registration.
type Registry struct {
	mu      sync.RWMutex
	entries map[reflect.Type]any
	order   []reflect.Type
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[reflect.Type]any),
		order:   make([]reflect.Type, 0),
		logger:  logger,
	}
}

// RegisterType registers an instance under an explicit capability type.
// A nil instance is rejected; re-registering a capability overwrites the
// previous entry with a warning.
func (r *Registry) RegisterType(capability reflect.Type, instance any) error {
	if capability == nil {
		return apperrors.NewValidation("capability type must not be nil")
	}
	if isNil(instance) {
		return apperrors.NewValidation(
			fmt.Sprintf("cannot register nil instance for capability %s", capability))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[capability]; exists {
		r.logger.Warn("overwriting registered capability",
			zap.String("capability", capability.String()))
	} else {
		r.order = append(r.order, capability)
	}
	r.entries[capability] = instance
	return nil
}

// ResolveType returns the instance registered under the capability type.
// The error for a missing capability names everything currently registered,
// which makes bootstrap-ordering mistakes obvious from the log line alone.
func (r *Registry) ResolveType(capability reflect.Type) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.entries[capability]
	if !ok {
		return nil, apperrors.NewNotRegistered(fmt.Sprintf(
			"capability %s is not registered (registered: [%s])",
			capability, strings.Join(r.namesLocked(), ", ")))
	}
	return instance, nil
}

// TryResolveType is the non-failing variant of ResolveType.
func (r *Registry) TryResolveType(capability reflect.Type) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.entries[capability]
	return instance, ok
}

// IsRegisteredType reports whether the capability type has an entry.
func (r *Registry) IsRegisteredType(capability reflect.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[capability]
	return ok
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear drops every entry. Called once at shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	r.entries = make(map[reflect.Type]any)
	r.order = r.order[:0]
	r.logger.Info("registry cleared", zap.Int("entries", n))
}

// RegisteredNames returns the names of all registered capabilities, sorted.
func (r *Registry) RegisteredNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.entries))
	for key := range r.entries {
		names = append(names, key.String())
	}
	sort.Strings(names)
	return names
}

// allInOrder returns every registered instance in registration order.
func (r *Registry) allInOrder() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]any, 0, len(r.order))
	for _, key := range r.order {
		if instance, ok := r.entries[key]; ok {
			instances = append(instances, instance)
		}
	}
	return instances
}

// isNil reports whether instance is nil, including a typed nil pointer
// hiding inside a non-nil interface value.
func isNil(instance any) bool {
	if instance == nil {
		return true
	}
	v := reflect.ValueOf(instance)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}

// typeOf returns the reflect.Type of the capability parameter T, which may
// be an interface type.
func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Register registers an instance under the capability type T.
func Register[T any](r *Registry, instance T) error {
	return r.RegisterType(typeOf[T](), instance)
}

// Resolve returns the instance registered under capability T, failing with
// a NOT_REGISTERED error when absent. Use for required dependencies.
func Resolve[T any](r *Registry) (T, error) {
	var zero T
	instance, err := r.ResolveType(typeOf[T]())
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, apperrors.NewInternal(
			fmt.Sprintf("registered instance does not satisfy capability %s", typeOf[T]()), nil)
	}
	return typed, nil
}

// TryResolve returns the instance registered under capability T, or false
// when absent. Use for optional dependencies.
func TryResolve[T any](r *Registry) (T, bool) {
	var zero T
	instance, ok := r.TryResolveType(typeOf[T]())
	if !ok {
		return zero, false
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// IsRegistered reports whether capability T has an entry.
func IsRegistered[T any](r *Registry) bool {
	return r.IsRegisteredType(typeOf[T]())
}

// AllOf returns every registered instance that also satisfies the marker
// capability T, in registration order. An instance registered under several
// capabilities appears once per registration, so composition roots should
// register each service under a single primary capability.
func AllOf[T any](r *Registry) []T {
	var matches []T
	for _, instance := range r.allInOrder() {
		if typed, ok := instance.(T); ok {
			matches = append(matches, typed)
		}
	}
	return matches
}
