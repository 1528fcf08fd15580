package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// SecretsDir holds secrets materialized as files for one child process.
// The files are mode 0600 and the backing buffers are zeroed on
// cleanup.
type SecretsDir struct {
	path    string
	buffers [][]byte
}

// WriteSecrets materializes the named secrets as files under a fresh
// temp directory, one file per secret.
func WriteSecrets(baseDir string, secrets map[string][]byte) (*SecretsDir, error) {
	if len(secrets) == 0 {
		return &SecretsDir{}, nil
	}
	dir, err := os.MkdirTemp(baseDir, "gear-secrets-")
	if err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	sd := &SecretsDir{path: dir}
	for name, value := range secrets {
		if name == "" || name != filepath.Base(name) {
			sd.Cleanup()
			return nil, fmt.Errorf("invalid secret name %q", name)
		}
		if err := os.WriteFile(filepath.Join(dir, name), value, 0o600); err != nil {
			sd.Cleanup()
			return nil, fmt.Errorf("write secret %s: %w", name, err)
		}
		sd.buffers = append(sd.buffers, value)
	}
	return sd, nil
}

// Path returns the directory path, empty when no secrets were written.
func (s *SecretsDir) Path() string { return s.path }

// Cleanup removes the directory and zeroes the secret buffers.
func (s *SecretsDir) Cleanup() {
	for _, buf := range s.buffers {
		for i := range buf {
			buf[i] = 0
		}
	}
	s.buffers = nil
	if s.path != "" {
		os.RemoveAll(s.path)
		s.path = ""
	}
}
