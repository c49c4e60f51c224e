// Package logentry is the edge-triggered log-entry store: operators
// don't want a line per poll tick, they want one line when a problem
// starts and one when it ends. Store keeps the currently-raised set and
// is itself what the "log" TCP command reads.
package logentry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/infrastructure/logging"
)

// Category mirrors the three buckets the "log" command dumps.
type Category int

const (
	Info Category = iota
	Warning
	Error
)

func (c Category) String() string {
	switch c {
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Entry is one currently-raised condition.
type Entry struct {
	Category Category
	Module   string
	Text     string
	RaisedAt time.Time
}

type entryKey struct {
	category Category
	module   string
	key      string
}

// Store holds the live set of raised entries, grouped by category, and
// forwards rise/fall transitions to the structured logger.
type Store struct {
	mu      sync.RWMutex
	entries map[entryKey]Entry
	log     *logging.Logger
}

// New constructs an empty Store.
func New(log *logging.Logger) *Store {
	return &Store{
		entries: make(map[entryKey]Entry),
		log:     log,
	}
}

// Raise implements instrument.EventLog: every instrument-originated log
// entry ("Not online", "Status error present") is raised at Error
// category against a module label matching the original tool's
// "Particle Counter id=<id>" convention.
func (s *Store) Raise(instrumentID int, key, message string) {
	s.raise(Error, fmt.Sprintf("Particle Counter id=%d", instrumentID), key, message)
}

// Clear implements instrument.EventLog.
func (s *Store) Clear(instrumentID int, key string) {
	s.clear(Error, fmt.Sprintf("Particle Counter id=%d", instrumentID), key)
}

// RaiseGlobal raises a non-instrument entry, e.g. the control surface's
// "No connection to server" informational entry.
func (s *Store) RaiseGlobal(category Category, module, key, message string) {
	s.raise(category, module, key, message)
}

// ClearGlobal clears a non-instrument entry.
func (s *Store) ClearGlobal(category Category, module, key string) {
	s.clear(category, module, key)
}

func (s *Store) raise(category Category, module, key, message string) {
	ek := entryKey{category: category, module: module, key: key}

	s.mu.Lock()
	_, already := s.entries[ek]
	s.entries[ek] = Entry{Category: category, Module: module, Text: message, RaisedAt: time.Now()}
	s.mu.Unlock()

	if already || s.log == nil {
		return
	}
	s.log.Error("log entry raised", "category", category.String(), "module", module, "text", message)
}

func (s *Store) clear(category Category, module, key string) {
	ek := entryKey{category: category, module: module, key: key}

	s.mu.Lock()
	entry, existed := s.entries[ek]
	delete(s.entries, ek)
	s.mu.Unlock()

	if !existed || s.log == nil {
		return
	}
	s.log.Info("log entry cleared", "category", category.String(), "module", entry.Module, "text", entry.Text)
}

// List returns every currently-raised entry of one category, sorted by
// module then text, for the "log" TCP command's three sections.
func (s *Store) List(category Category) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.Category == category {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Text < out[j].Text
	})
	return out
}

// ClearInstrument removes every entry raised for instrumentID, called
// by the registry when an instrument is deleted.
func (s *Store) ClearInstrument(instrumentID int) {
	module := fmt.Sprintf("Particle Counter id=%d", instrumentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for ek := range s.entries {
		if ek.module == module {
			delete(s.entries, ek)
		}
	}
}
