// Package config provides named, typed, hot-reloadable configuration values.
//
// Components declare the values they read with [Lookup], usually as package
// level variables, and may subscribe to changes with [Var.AddListener].
// Values are populated from a file (any format viper understands) with
// [Load], and re-populated when that file changes once [Watch] is called.
// Listeners run synchronously, on the goroutine applying the change, with the
// old and new values.
package config

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/joeycumines/go-fiber/internal/logx"
)

var (
	// ErrInvalidName is the panic value used by Lookup for malformed names.
	ErrInvalidName = errors.New("config: invalid name")
	// ErrTypeMismatch is the panic value used by Lookup when a name is
	// already registered with a different type.
	ErrTypeMismatch = errors.New("config: type mismatch")
)

var validName = regexp.MustCompile(`^[a-z0-9_.]+$`)

// Var is a single named configuration value of type T.
type Var[T any] struct {
	name        string
	description string
	mu          sync.RWMutex
	val         T
	listeners   map[uint64]func(oldValue, newValue T)
	nextID      uint64
}

type entry interface {
	Name() string
	Description() string
	value() any
	decode(v *viper.Viper) (func(), error)
}

// Name returns the dotted name of the value.
func (x *Var[T]) Name() string { return x.name }

// Description returns the human-readable description given to Lookup.
func (x *Var[T]) Description() string { return x.description }

// Value returns the current value.
func (x *Var[T]) Value() T {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.val
}

// SetValue replaces the value, calling every listener with the old and new
// values if they differ. Listeners are called after the lock is released, in
// registration order.
func (x *Var[T]) SetValue(v T) {
	x.mu.Lock()
	old := x.val
	if reflect.DeepEqual(old, v) {
		x.mu.Unlock()
		return
	}
	x.val = v
	ids := make([]uint64, 0, len(x.listeners))
	for id := range x.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(oldValue, newValue T), len(ids))
	for i, id := range ids {
		fns[i] = x.listeners[id]
	}
	x.mu.Unlock()

	for _, fn := range fns {
		fn(old, v)
	}
}

// AddListener registers fn to be called on every change, returning an id for
// DelListener.
func (x *Var[T]) AddListener(fn func(oldValue, newValue T)) uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nextID++
	if x.listeners == nil {
		x.listeners = make(map[uint64]func(oldValue, newValue T))
	}
	x.listeners[x.nextID] = fn
	return x.nextID
}

// DelListener removes a listener. Unknown ids are ignored.
func (x *Var[T]) DelListener(id uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.listeners, id)
}

// ClearListeners removes every listener.
func (x *Var[T]) ClearListeners() {
	x.mu.Lock()
	defer x.mu.Unlock()
	clear(x.listeners)
}

func (x *Var[T]) value() any { return x.Value() }

// decode reads the value from v, returning a func that stores it, or nil if
// v does not set it.
func (x *Var[T]) decode(v *viper.Viper) (func(), error) {
	if !v.InConfig(x.name) {
		return nil, nil
	}
	var val T
	if err := v.UnmarshalKey(x.name, &val); err != nil {
		return nil, fmt.Errorf("config: %s: %w", x.name, err)
	}
	return func() { x.SetValue(val) }, nil
}

// Registry is a set of named values backed by one viper instance.
type Registry struct {
	mu      sync.Mutex
	vars    map[string]entry
	v       *viper.Viper
	watched bool
	logger  *logx.Logger
}

// NewRegistry returns an empty registry. A nil logger selects the process
// default.
func NewRegistry(logger *logx.Logger) *Registry {
	if logger == nil {
		logger = logx.Default()
	}
	return &Registry{
		vars:   make(map[string]entry),
		v:      viper.New(),
		logger: logger,
	}
}

var std = NewRegistry(nil)

// Default returns the process-wide registry used by the package functions.
func Default() *Registry { return std }

// Lookup returns the value registered under name in the default registry,
// registering it with def if absent. It panics if name is malformed or was
// registered with a different type.
func Lookup[T any](name string, def T, description string) *Var[T] {
	return LookupIn(std, name, def, description)
}

// LookupIn is Lookup against a specific registry.
func LookupIn[T any](r *Registry, name string, def T, description string) *Var[T] {
	name = strings.ToLower(name)
	if !validName.MatchString(name) {
		panic(fmt.Errorf("%w: %q", ErrInvalidName, name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.vars[name]; ok {
		if x, ok := e.(*Var[T]); ok {
			return x
		}
		panic(fmt.Errorf("%w: %q is %T", ErrTypeMismatch, name, e.value()))
	}

	x := &Var[T]{name: name, description: description, val: def}
	r.vars[name] = x
	r.v.SetDefault(name, def)
	return x
}

// Load reads the file at path and applies every registered value present in
// it. The file also becomes the one observed by Watch.
func (r *Registry) Load(path string) error {
	r.mu.Lock()
	r.v.SetConfigFile(path)
	err := r.v.ReadInConfig()
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return r.apply()
}

// LoadReader reads configuration in the given format (e.g. "toml", "yaml")
// from rd and applies it.
func (r *Registry) LoadReader(format string, rd io.Reader) error {
	r.mu.Lock()
	r.v.SetConfigType(format)
	err := r.v.ReadConfig(rd)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("config: read %s: %w", format, err)
	}
	return r.apply()
}

// Watch re-applies the loaded file whenever it changes. It must be called
// after a successful Load, and is a no-op after the first call.
func (r *Registry) Watch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watched {
		return
	}
	r.watched = true
	r.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := r.apply(); err != nil {
			r.logger.Err().
				Err(err).
				Str(`file`, e.Name).
				Log(`config reload failed`)
			return
		}
		r.logger.Info().
			Str(`file`, e.Name).
			Log(`config reloaded`)
	})
	r.v.WatchConfig()
}

// apply decodes every registered value under the lock, then stores them
// (running listeners) without it.
func (r *Registry) apply() error {
	var (
		sets []func()
		errs []error
	)
	r.mu.Lock()
	for _, name := range r.names() {
		set, err := r.vars[name].decode(r.v)
		if err != nil {
			errs = append(errs, err)
		} else if set != nil {
			sets = append(sets, set)
		}
	}
	r.mu.Unlock()

	for _, set := range sets {
		set()
	}
	return errors.Join(errs...)
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.vars))
	for name := range r.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Visit calls fn for every registered value, ordered by name.
func (r *Registry) Visit(fn func(name, description string, value any)) {
	r.mu.Lock()
	names := r.names()
	vars := make([]entry, len(names))
	for i, name := range names {
		vars[i] = r.vars[name]
	}
	r.mu.Unlock()
	for _, e := range vars {
		fn(e.Name(), e.Description(), e.value())
	}
}

// Dump writes the current values as a TOML document, nesting by the dotted
// name segments. Durations are written in their string form.
func (r *Registry) Dump(w io.Writer) error {
	root := make(map[string]any)
	r.Visit(func(name, _ string, value any) {
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		parts := strings.Split(name, ".")
		m := root
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = value
	})
	return toml.NewEncoder(w).Encode(root)
}

// Load calls Load on the default registry.
func Load(path string) error { return std.Load(path) }

// Watch calls Watch on the default registry.
func Watch() { std.Watch() }

// Dump calls Dump on the default registry.
func Dump(w io.Writer) error { return std.Dump(w) }
