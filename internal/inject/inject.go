// Package inject types transcribed segments into the active application
// using robotgo, either as keystrokes or through a clipboard paste.
package inject

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unicode"

	"github.com/go-vgo/robotgo"
)

// Method selects how text reaches the application.
type Method int

const (
	// Type simulates keystrokes. It leaves the clipboard alone.
	Type Method = iota
	// Paste writes the clipboard and sends the paste shortcut, restoring
	// the previous clipboard afterwards.
	Paste
)

func (m Method) String() string {
	if m == Paste {
		return "paste"
	}
	return "type"
}

// ParseMethod parses "type" or "paste".
func ParseMethod(s string) (Method, error) {
	switch s {
	case "type":
		return Type, nil
	case "paste":
		return Paste, nil
	}
	return Type, fmt.Errorf("inject: unknown method %q", s)
}

// keyboard is the subset of robotgo the injector uses.
type keyboard interface {
	Type(text string)
	ReadAll() (string, error)
	WriteAll(text string) error
	KeyTap(key string, modifiers ...any) error
}

type robotKeyboard struct{}

func (robotKeyboard) Type(text string)                    { robotgo.Type(text) }
func (robotKeyboard) ReadAll() (string, error)            { return robotgo.ReadAll() }
func (robotKeyboard) WriteAll(text string) error          { return robotgo.WriteAll(text) }
func (robotKeyboard) KeyTap(key string, mods ...any) error { return robotgo.KeyTap(key, mods...) }

// Injector writes the segments of one dictation into the focused
// application, separating consecutive segments with a space.
type Injector struct {
	method Method
	kb     keyboard

	mu    sync.Mutex
	wrote bool
	last  rune
}

// NewInjector creates an Injector using robotgo.
func NewInjector(method Method) *Injector {
	return &Injector{method: method, kb: robotKeyboard{}}
}

// Reset starts a new dictation: the next segment is not prefixed with a
// space.
func (inj *Injector) Reset() {
	inj.mu.Lock()
	inj.wrote = false
	inj.mu.Unlock()
}

// Inject sends one segment's text. Empty text is ignored.
func (inj *Injector) Inject(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	inj.mu.Lock()
	defer inj.mu.Unlock()
	if inj.wrote && !unicode.IsSpace(inj.last) {
		text = " " + text
	}

	var err error
	switch inj.method {
	case Paste:
		err = inj.paste(text)
	default:
		inj.kb.Type(text)
	}
	if err != nil {
		return err
	}
	inj.wrote = true
	inj.last = []rune(text)[len([]rune(text))-1]
	return nil
}

func (inj *Injector) paste(text string) error {
	prev, _ := inj.kb.ReadAll()

	if err := inj.kb.WriteAll(text); err != nil {
		return fmt.Errorf("inject: write to clipboard: %w", err)
	}
	mod := pasteModifier()
	if err := inj.kb.KeyTap("v", mod); err != nil {
		return fmt.Errorf("inject: key tap %s+v: %w", mod, err)
	}

	// Best effort.
	_ = inj.kb.WriteAll(prev)
	return nil
}

func pasteModifier() string {
	if runtime.GOOS == "darwin" {
		return "cmd"
	}
	return "ctrl"
}
