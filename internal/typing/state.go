package typing

import (
	"fmt"
	"time"

	"roomchat/internal/models"
)

const (
	// IdleTimeout is how long after the last keystroke the local user stops
	// being reported as typing.
	IdleTimeout = 2 * time.Second
	// SweepInterval is how often stale remote typers are evicted.
	SweepInterval = time.Second
	// StaleAfter bounds how long a remote typer is shown without a refresh.
	StaleAfter = 3 * time.Second
)

// Outbound is the local user's typing flag and its idle deadline.
type Outbound struct {
	typing   bool
	deadline time.Time
}

// Keystroke pushes the idle deadline. It reports true when a "typing"
// broadcast must be sent, which is only on the first keystroke.
func (o Outbound) Keystroke(now time.Time, idle time.Duration) (Outbound, bool) {
	start := !o.typing
	return Outbound{typing: true, deadline: now.Add(idle)}, start
}

// Stop clears the flag. It reports true when a "stopped" broadcast must be
// sent.
func (o Outbound) Stop() (Outbound, bool) {
	return Outbound{}, o.typing
}

// Expire stops typing once the deadline has passed.
func (o Outbound) Expire(now time.Time) (Outbound, bool) {
	if !o.typing || now.Before(o.deadline) {
		return o, false
	}
	return o.Stop()
}

func (o Outbound) Typing() bool { return o.typing }

// Deadline returns the idle deadline while typing.
func (o Outbound) Deadline() (time.Time, bool) {
	return o.deadline, o.typing
}

type entry struct {
	name string
	seen time.Time
}

// Set is the remote typers, in first-seen order.
type Set struct {
	entries []entry
}

// Apply folds one typing broadcast into the set. Broadcasts from self are
// ignored.
func (s Set) Apply(p models.TypingPayload, self string, now time.Time) Set {
	if p.UserName == "" || p.UserName == self {
		return s
	}
	idx := -1
	for i, e := range s.entries {
		if e.name == p.UserName {
			idx = i
			break
		}
	}
	if !p.IsTyping {
		if idx < 0 {
			return s
		}
		out := make([]entry, 0, len(s.entries)-1)
		out = append(out, s.entries[:idx]...)
		return Set{entries: append(out, s.entries[idx+1:]...)}
	}

	out := append([]entry(nil), s.entries...)
	if idx >= 0 {
		out[idx].seen = now
	} else {
		out = append(out, entry{name: p.UserName, seen: now})
	}
	return Set{entries: out}
}

// Sweep evicts entries not refreshed within staleAfter.
func (s Set) Sweep(now time.Time, staleAfter time.Duration) Set {
	var out []entry
	for _, e := range s.entries {
		if now.Sub(e.seen) <= staleAfter {
			out = append(out, e)
		}
	}
	if len(out) == len(s.entries) {
		return s
	}
	return Set{entries: out}
}

func (s Set) Names() []string {
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.name
	}
	return names
}

func (s Set) Len() int { return len(s.entries) }

// Text renders the typing indicator; it is empty when nobody types.
func Text(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", names[0])
	case 2:
		return fmt.Sprintf("%s and %s are typing...", names[0], names[1])
	default:
		return fmt.Sprintf("%d people are typing...", len(names))
	}
}
