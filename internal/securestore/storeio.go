package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// IsConfigured reports whether encrypted persistence is configured.
func IsConfigured(path, passphrase string) bool {
	return strings.TrimSpace(path) != "" && strings.TrimSpace(passphrase) != ""
}

// ReadJSONFile reads a state snapshot, transparently opening the envelope
// when a passphrase is set.
func ReadJSONFile(path, passphrase string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if passphrase != "" {
		plain, err := Open(passphrase, raw)
		if err == nil {
			raw = plain
		} else if err != ErrPlaintextData {
			return err
		}
	}
	return json.Unmarshal(raw, v)
}

// WriteJSONFile marshals and writes a state snapshot, sealing it when a
// passphrase is set. Parent directories are created 0700, the file 0600.
func WriteJSONFile(path, passphrase string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if passphrase != "" {
		payload, err = Seal(passphrase, payload)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}
