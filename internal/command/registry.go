// ABOUTME: Publish-once registry mapping command names to descriptors
// ABOUTME: Registration happens at startup; lookups are lock-free afterwards

package command

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/2389/coven-sshd/internal/capability"
)

type table map[string]Descriptor

// Registry holds every command the shell knows about.
type Registry struct {
	mu     sync.Mutex // serializes writers only
	sealed bool
	cmds   atomic.Pointer[table]
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "registry")}
	empty := table{}
	r.cmds.Store(&empty)
	return r
}

// Register adds d. It fails with a *DuplicateCommandError if the name is
// taken, in which case the first registration stays in place.
func (r *Registry) Register(d Descriptor) error {
	if err := validate(d); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, d.Name)
	}

	current := *r.cmds.Load()
	if _, exists := current[d.Name]; exists {
		return &DuplicateCommandError{Name: d.Name}
	}

	next := make(table, len(current)+1)
	for name, existing := range current {
		next[name] = existing
	}
	next[d.Name] = d
	r.cmds.Store(&next)

	r.logger.Debug("registered command",
		"command", d.Name,
		"required", d.Required.String(),
	)
	return nil
}

// MustRegister registers d and panics on failure. Meant for startup wiring
// where a duplicate is a programming error.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Seal forbids further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.sealed = true
	r.logger.Info("command registry sealed", "commands", len(*r.cmds.Load()))
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	d, ok := (*r.cmds.Load())[name]
	if !ok {
		return Descriptor{}, &NotFoundError{Name: name}
	}
	return d, nil
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	cmds := *r.cmds.Load()
	out := make([]Descriptor, 0, len(cmds))
	for _, d := range cmds {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Visible returns the descriptors a holder of caps may run, sorted by name.
func (r *Registry) Visible(caps capability.Set) []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if caps.Contains(d.Required) {
			out = append(out, d)
		}
	}
	return out
}

func validate(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
	}
	if strings.IndexFunc(d.Name, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '\'' || r == '\\'
	}) >= 0 {
		return fmt.Errorf("%w: name %q contains whitespace or quotes", ErrInvalidDescriptor, d.Name)
	}
	if d.Factory == nil {
		return fmt.Errorf("%w: %q has no factory", ErrInvalidDescriptor, d.Name)
	}
	return nil
}
