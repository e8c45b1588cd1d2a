package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrUnavailable is returned when neither the environment nor a terminal can
// supply the passphrase.
var ErrUnavailable = errors.New("passphrase: node keystore passphrase unavailable")

// Source lazily resolves the node keystore passphrase from an environment
// variable or by prompting the operator. The value is cached after the first
// successful retrieval.
type Source struct {
	envVar string
	lookup func(string) (string, bool)
	prompt func() (string, error)

	once  sync.Once
	value string
	err   error
}

// Option customises a Source.
type Option func(*Source)

// WithLookup replaces os.LookupEnv.
func WithLookup(lookup func(string) (string, bool)) Option {
	return func(s *Source) {
		if lookup != nil {
			s.lookup = lookup
		}
	}
}

// WithPrompt replaces the terminal prompt. A nil prompt disables prompting.
func WithPrompt(prompt func() (string, error)) Option {
	return func(s *Source) { s.prompt = prompt }
}

// NewSource constructs a passphrase source that checks envVar before
// prompting on the terminal.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{
		envVar: strings.TrimSpace(envVar),
		lookup: os.LookupEnv,
		prompt: terminalPrompt(os.Stdin, os.Stderr),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached passphrase or resolves it on first use.
// Whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if s.prompt == nil {
		if s.envVar != "" {
			return "", fmt.Errorf("%w: set %s or run interactively", ErrUnavailable, s.envVar)
		}
		return "", ErrUnavailable
	}
	value, err := s.prompt()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return "", errors.New("node keystore passphrase cannot be empty")
	}
	return value, nil
}

func terminalPrompt(in *os.File, out io.Writer) func() (string, error) {
	if !term.IsTerminal(int(in.Fd())) {
		return nil
	}
	return func() (string, error) {
		fmt.Fprint(out, "Enter node keystore passphrase: ")
		raw, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(raw), nil
	}
}
