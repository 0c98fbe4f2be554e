// Package hotkey turns a global key combination into session start and
// stop requests using gohook. In "hold" mode the session runs while the
// keys are held; in "toggle" mode each press flips it.
package hotkey

import (
	"context"
	"fmt"
	"sync"

	hook "github.com/robotn/gohook"
)

// EventType indicates whether a session should start or stop.
type EventType int

const (
	EventStart EventType = iota
	EventStop
)

func (t EventType) String() string {
	if t == EventStop {
		return "stop"
	}
	return "start"
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Mode selects how key presses map to events.
type Mode int

const (
	Hold Mode = iota
	Toggle
)

func (m Mode) String() string {
	if m == Toggle {
		return "toggle"
	}
	return "hold"
}

// ParseMode parses "hold" or "toggle".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "hold":
		return Hold, nil
	case "toggle":
		return Toggle, nil
	}
	return Hold, fmt.Errorf("hotkey: unknown mode %q", s)
}

// Listener watches a global hotkey. Presses arriving while the events
// channel is full are dropped.
type Listener struct {
	keys []string
	mode Mode
	ch   chan Event

	mu     sync.Mutex
	active bool
}

// NewListener creates a Listener for the given lowercase key names, e.g.
// ["ctrl", "shift", "r"].
func NewListener(keys []string, mode Mode) *Listener {
	return &Listener{
		keys: keys,
		mode: mode,
		ch:   make(chan Event, 16),
	}
}

// Events returns the channel of start and stop requests. It is closed when
// Run returns.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Run registers the hotkey and blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.keyDown() })
	if l.mode == Hold {
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.keyUp() })
	}

	evChan := hook.Start()
	go func() {
		<-ctx.Done()
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// SessionEnded tells the listener a session ended without a stop request,
// e.g. on fatal exhaustion, so the next press starts a new one.
func (l *Listener) SessionEnded() {
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
}

func (l *Listener) keyDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case !l.active:
		l.send(EventStart)
	case l.mode == Toggle:
		l.send(EventStop)
	}
}

func (l *Listener) keyUp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		l.send(EventStop)
	}
}

// send must be called with mu held. The state only changes when the event
// was delivered.
func (l *Listener) send(t EventType) {
	select {
	case l.ch <- Event{Type: t}:
		l.active = t == EventStart
	default:
	}
}
