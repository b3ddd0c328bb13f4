package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

const keyringService = "mailmirror"

// Prompter asks the user for a password.
type Prompter func(prompt string) (string, error)

// ResolvePassword fills c.Pass from the keyring, a file, or the prompter.
func ResolvePassword(c *Config, prompt Prompter) error {
	if c.KeyringKey != "" {
		pass, err := keyringGet(c.KeyringKey)
		if err != nil {
			return err
		}
		c.Pass = pass
		return nil
	}
	if c.Pass != "" {
		pass, err := StringFromFile(c.Pass)
		if err != nil {
			return fmt.Errorf("%w: can't read password: %v", ErrUsage, err)
		}
		c.Pass = pass
		return nil
	}
	if prompt == nil {
		return fmt.Errorf("%w: no password given", ErrUsage)
	}
	pass, err := prompt("Password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	c.Pass = pass
	return nil
}

// StringFromFile returns value unchanged unless it starts with '@', in which
// case the rest names a file whose trimmed content is returned. A leading
// '\' escapes a literal '@'.
func StringFromFile(value string) (string, error) {
	if value == "" {
		return value, nil
	}
	switch value[0] {
	case '\\':
		return value[1:], nil
	case '@':
		path := value[1:]
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			path = filepath.Join(home, path[2:])
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return value, nil
}

func keyringGet(key string) (string, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailmirror/credentials",
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return "", fmt.Errorf("opening keyring: %w", err)
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}
