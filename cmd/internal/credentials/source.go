package credentials

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a secret from an environment variable, a file or an
// interactive prompt, in that order. The value is cached after the first
// successful retrieval.
type Source struct {
	label  string
	envVar string
	file   string
	prompt func() ([]byte, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source for the secret described by label.
func NewSource(label, envVar, file string) *Source {
	return &Source{label: label, envVar: strings.TrimSpace(envVar), file: strings.TrimSpace(file)}
}

// Get returns the cached secret or resolves it on the first call. Whitespace
// is trimmed and empty secrets are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			return nonEmpty(s.envVar, value)
		}
	}
	if s.file != "" {
		data, err := os.ReadFile(s.file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", s.label, err)
		}
		return nonEmpty(s.file, string(data))
	}
	read := s.prompt
	if read == nil {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				return "", fmt.Errorf("%s required; set %s or run interactively", s.label, s.envVar)
			}
			return "", fmt.Errorf("%s required and no terminal available", s.label)
		}
		read = func() ([]byte, error) { return readFromTerminal(os.Stderr, s.label) }
	}
	raw, err := read()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", s.label, err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New(s.label + " cannot be empty")
	}
	return strings.TrimSpace(string(raw)), nil
}

func readFromTerminal(out io.Writer, label string) ([]byte, error) {
	fmt.Fprintf(out, "Enter %s: ", label)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	return raw, err
}

func nonEmpty(origin, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s is set but empty", origin)
	}
	return trimmed, nil
}
