package common

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

// PauseStore persists pause switches so they survive a restart.
type PauseStore interface {
	Paused() ([]string, error)
	SetPaused(module string, paused bool) error
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// CanonicalModule folds a module name so that case and Unicode width
// variants address the same switch.
func CanonicalModule(name string) string {
	return norm.NFKC.String(strings.ToLower(strings.TrimSpace(name)))
}

// Pauses is a PauseView toggled by operators, optionally backed by a store.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
	store  PauseStore
}

// NewPauses returns an in-memory switchboard with the given modules paused.
func NewPauses(modules ...string) *Pauses {
	p := &Pauses{paused: make(map[string]bool)}
	for _, m := range modules {
		p.paused[CanonicalModule(m)] = true
	}
	return p
}

// LoadPauses restores the switchboard from store. Later changes are written
// to store before they take effect.
func LoadPauses(store PauseStore) (*Pauses, error) {
	modules, err := store.Paused()
	if err != nil {
		return nil, err
	}
	p := NewPauses(modules...)
	p.store = store
	return p, nil
}

func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[CanonicalModule(module)]
}

// Set pauses or resumes module. When the store rejects the change the
// switch keeps its previous state.
func (p *Pauses) Set(module string, paused bool) error {
	module = CanonicalModule(module)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store != nil {
		if err := p.store.SetPaused(module, paused); err != nil {
			return err
		}
	}
	if paused {
		p.paused[module] = true
		return nil
	}
	delete(p.paused, module)
	return nil
}

// List returns the paused modules in name order.
func (p *Pauses) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for m := range p.paused {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
