// Package ratelimit implements per-session, per-action fixed-window counters.
//
// Counters are owned by a session and are not safe for concurrent use on
// their own; the owning session serializes access.
package ratelimit

import (
	"time"
)

// Rule is the ceiling for one action within a window.
type Rule struct {
	Max    int
	Window time.Duration
}

// Counter tracks accepted invocations of one action.
type Counter struct {
	Count         int
	WindowResetAt time.Time
}

// Counters maps action name to its counter.
type Counters map[string]*Counter

// Limiter evaluates counters against configured rules.
type Limiter struct {
	rules  map[string]Rule
	silent map[string]bool
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSilentActions marks actions whose denials are dropped without
// surfacing an error to the client.
func WithSilentActions(actions ...string) Option {
	return func(l *Limiter) {
		for _, a := range actions {
			l.silent[a] = true
		}
	}
}

// New creates a limiter for the given per-action rules.
func New(rules map[string]Rule, opts ...Option) *Limiter {
	l := &Limiter{
		rules:  make(map[string]Rule, len(rules)),
		silent: make(map[string]bool),
		now:    time.Now,
	}
	for action, rule := range rules {
		l.rules[action] = rule
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one invocation of action and reports whether it is within
// the ceiling. Actions without a rule are always allowed. A counter whose
// window has elapsed is treated as absent.
func (l *Limiter) Allow(counters Counters, action string) bool {
	rule, ok := l.rules[action]
	if !ok {
		return true
	}

	now := l.now()
	c, ok := counters[action]
	if !ok || !now.Before(c.WindowResetAt) {
		counters[action] = &Counter{Count: 1, WindowResetAt: now.Add(rule.Window)}
		return true
	}

	if c.Count < rule.Max {
		c.Count++
		return true
	}
	return false
}

// Silent reports whether denials for action are dropped quietly.
func (l *Limiter) Silent(action string) bool {
	return l.silent[action]
}

// Rule returns the configured rule for action.
func (l *Limiter) Rule(action string) (Rule, bool) {
	r, ok := l.rules[action]
	return r, ok
}
