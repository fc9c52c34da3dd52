package risk

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

// Session is one trading window, expressed in its own timezone. End before
// Start means the window crosses midnight.
type Session struct {
	Name     string
	Start    string
	End      string
	Symbols  []string
	Timezone string
}

type compiledSession struct {
	name    string
	start   int // minutes after local midnight
	end     int
	symbols map[string]struct{}
	loc     *time.Location
}

func (c compiledSession) openAt(at time.Time) bool {
	local := at.In(c.loc)
	m := local.Hour()*60 + local.Minute()
	if c.start <= c.end {
		return m >= c.start && m <= c.end
	}
	return m >= c.start || m <= c.end
}

// Sessions is the market-hours table. It can be swapped at runtime when the
// sessions file is reloaded.
type Sessions struct {
	mu       sync.RWMutex
	sessions []compiledSession
}

func NewSessions(list []Session) (*Sessions, error) {
	s := &Sessions{}
	if err := s.Update(list); err != nil {
		return nil, err
	}
	return s, nil
}

// Update replaces the table atomically; on error the old table is kept.
func (s *Sessions) Update(list []Session) error {
	compiled := make([]compiledSession, 0, len(list))
	for _, def := range list {
		c, err := compileSession(def)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}
	s.mu.Lock()
	s.sessions = compiled
	s.mu.Unlock()
	return nil
}

func compileSession(def Session) (compiledSession, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return compiledSession{}, fmt.Errorf("session name is required")
	}
	start, err := parseClock(def.Start)
	if err != nil {
		return compiledSession{}, fmt.Errorf("session %s start: %w", name, err)
	}
	end, err := parseClock(def.End)
	if err != nil {
		return compiledSession{}, fmt.Errorf("session %s end: %w", name, err)
	}
	tz := strings.TrimSpace(def.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return compiledSession{}, fmt.Errorf("session %s timezone: %w", name, err)
	}
	symbols := make(map[string]struct{}, len(def.Symbols))
	for _, sym := range def.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			symbols[sym] = struct{}{}
		}
	}
	return compiledSession{name: name, start: start, end: end, symbols: symbols, loc: loc}, nil
}

func parseClock(raw string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", raw)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// IsOpen reports whether symbol can trade at the given instant. A symbol
// listed in no session is treated as always open.
func (s *Sessions) IsOpen(symbol string, at time.Time) (bool, string) {
	symbol = strings.ToUpper(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	listed := false
	for _, c := range s.sessions {
		if _, ok := c.symbols[symbol]; !ok {
			continue
		}
		listed = true
		if c.openAt(at) {
			return true, ""
		}
	}
	if !listed {
		return true, ""
	}
	return false, "Market closed for " + symbol
}

// ActiveSessions lists the names of sessions open at the given instant.
func (s *Sessions) ActiveSessions(at time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, c := range s.sessions {
		if c.openAt(at) {
			out = append(out, c.name)
		}
	}
	return out
}

// NextStart returns the next start of the named session strictly after at.
func (s *Sessions) NextStart(name string, at time.Time) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.sessions {
		if c.name != name {
			continue
		}
		local := at.In(c.loc)
		start := time.Date(local.Year(), local.Month(), local.Day(), c.start/60, c.start%60, 0, 0, c.loc)
		if !start.After(local) {
			start = start.AddDate(0, 0, 1)
		}
		return start, true
	}
	return time.Time{}, false
}

// Symbols returns the union of every session's symbols, sorted.
func (s *Sessions) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, c := range s.sessions {
		for sym := range c.symbols {
			set[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
