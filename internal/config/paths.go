package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the single source of truth for every file the server persists.
type Paths struct {
	DataDir      string
	LogsDir      string
	KeysDir      string
	ArtifactsDir string
}

// ResolvePaths makes the configured directories absolute. Relative paths
// are resolved against the working directory.
func ResolvePaths(cfg PathsConfig) (*Paths, error) {
	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir %q: %w", cfg.DataDir, err)
	}
	logsDir, err := filepath.Abs(cfg.LogsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve logs dir %q: %w", cfg.LogsDir, err)
	}

	return &Paths{
		DataDir:      dataDir,
		LogsDir:      logsDir,
		KeysDir:      filepath.Join(dataDir, "keys"),
		ArtifactsDir: filepath.Join(dataDir, "licenses"),
	}, nil
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{p.DataDir, 0o755},
		{p.LogsDir, 0o755},
		{p.KeysDir, 0o700},
		{p.ArtifactsDir, 0o755},
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.perm); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d.path, err)
		}
	}
	return nil
}

func (p *Paths) LicensesFile() string      { return filepath.Join(p.DataDir, "licenses.json") }
func (p *Paths) CodesFile() string         { return filepath.Join(p.DataDir, "activation_codes.json") }
func (p *Paths) RulesFile() string         { return filepath.Join(p.DataDir, "rules.json") }
func (p *Paths) RulesHistoryFile() string  { return filepath.Join(p.DataDir, "rules_history.json") }
func (p *Paths) ActivationLogFile() string { return filepath.Join(p.DataDir, "activations.log") }
func (p *Paths) PrivateKeyFile() string    { return filepath.Join(p.KeysDir, "private.pem") }
func (p *Paths) PublicKeyFile() string     { return filepath.Join(p.KeysDir, "public.pem") }

// FileExists reports whether path exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
