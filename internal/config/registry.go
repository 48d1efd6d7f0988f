package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/auris-project/auris/pkg/recognizer"
)

// ErrRecognizerNotRegistered is returned by [Registry.CreateRecognizer] when
// no factory has been registered under the requested name.
var ErrRecognizerNotRegistered = errors.New("config: recognizer not registered")

// Registry maps recognizer names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	recognizers map[string]func(RecognizerEntry) (recognizer.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognizers: make(map[string]func(RecognizerEntry) (recognizer.Provider, error)),
	}
}

// RegisterRecognizer registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRecognizer(name string, factory func(RecognizerEntry) (recognizer.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = factory
}

// CreateRecognizer instantiates a recognizer using the factory registered
// under entry.Name. Returns [ErrRecognizerNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateRecognizer(entry RecognizerEntry) (recognizer.Provider, error) {
	r.mu.RLock()
	factory, ok := r.recognizers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRecognizerNotRegistered, entry.Name)
	}
	return factory(entry)
}
