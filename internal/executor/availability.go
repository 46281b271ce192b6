package executor

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Availability reports whether the target agent appears installed locally.
type Availability string

const (
	// InstallationFound indicates the agent's configuration file or
	// directory exists at its platform-specific path.
	InstallationFound Availability = "installation_found"
	// NotFound indicates no installation indicator was located.
	NotFound Availability = "not_found"
)

// Prober answers availability queries from filesystem heuristics alone.
// It never spawns a process and is safe to call on every UI refresh.
type Prober struct {
	namespace  string
	configFile string
	configRoot func() (string, error)
	stat       func(path string) (os.FileInfo, error)
}

// ProberOption customizes Prober construction for tests.
type ProberOption func(*Prober)

// WithConfigRoot overrides platform config directory resolution.
func WithConfigRoot(resolve func() (string, error)) ProberOption {
	return func(p *Prober) {
		if resolve != nil {
			p.configRoot = resolve
		}
	}
}

// WithStat overrides filesystem stat calls.
func WithStat(stat func(path string) (os.FileInfo, error)) ProberOption {
	return func(p *Prober) {
		if stat != nil {
			p.stat = stat
		}
	}
}

// NewProber builds a prober for one agent namespace (its config directory
// name) and configuration filename.
func NewProber(namespace, configFile string, options ...ProberOption) *Prober {
	prober := &Prober{
		namespace:  strings.TrimSpace(namespace),
		configFile: strings.TrimSpace(configFile),
		configRoot: platformConfigRoot,
		stat:       os.Stat,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(prober)
	}
	return prober
}

// ConfigFilePath returns the platform-specific path of the agent's
// configuration file, or empty when the config root cannot be resolved.
func (p *Prober) ConfigFilePath() string {
	if p == nil || p.namespace == "" || p.configFile == "" {
		return ""
	}
	root, err := p.configRoot()
	if err != nil {
		return ""
	}
	return filepath.Join(root, p.namespace, p.configFile)
}

// Probe reports InstallationFound when either the agent's configuration
// file exists or its configuration directory exists at all, even empty.
func (p *Prober) Probe() Availability {
	if p == nil || p.namespace == "" {
		return NotFound
	}
	root, err := p.configRoot()
	if err != nil {
		return NotFound
	}

	if p.configFile != "" {
		if _, err := p.stat(filepath.Join(root, p.namespace, p.configFile)); err == nil {
			return InstallationFound
		}
	}
	if _, err := p.stat(filepath.Join(root, p.namespace)); err == nil {
		return InstallationFound
	}
	return NotFound
}

// platformConfigRoot resolves the user configuration directory: XDG search
// on Unix-like systems, the platform config directory elsewhere.
func platformConfigRoot() (string, error) {
	switch runtime.GOOS {
	case "windows", "plan9":
		return os.UserConfigDir()
	default:
		if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
			return xdg, nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config"), nil
	}
}
