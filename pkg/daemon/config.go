package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"loom/pkg/protocol"
)

// Config is the daemon's tunable surface, read from .loom/config.toml.
// Zero values take defaults, so an absent file runs a stock daemon.
type Config struct {
	// MaxAgents caps concurrently running agents.
	MaxAgents int `toml:"max_agents"`
	// RetryLimit bounds transient git retries per unit.
	RetryLimit int `toml:"retry_limit"`
	// HTTPAddr is the dashboard listen address. Empty means an ephemeral
	// localhost port, published through the port file.
	HTTPAddr string `toml:"http_addr"`
	// Model is the backend model identifier.
	Model string `toml:"model"`
	// BackendCommand overrides the agent CLI binary name.
	BackendCommand string `toml:"backend_command"`
	// RefsDir is the chunk-docs directory, relative to the repo root
	// unless absolute.
	RefsDir string `toml:"refs_dir"`
	// TickInterval is the fallback dispatch poll cadence, e.g. "2s".
	TickInterval string `toml:"tick_interval"`
}

func (c Config) withDefaults() Config {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 3
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.Model == "" {
		c.Model = protocol.DefaultModel
	}
	if c.RefsDir == "" {
		c.RefsDir = "docs/chunks"
	}
	if c.TickInterval == "" {
		c.TickInterval = "2s"
	}
	return c
}

// tickInterval parses TickInterval, falling back to 2s on garbage.
func (c Config) tickInterval() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// LoadConfig reads path and applies defaults. A missing file is not an
// error; a file that exists but does not parse is.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path) //nolint:gosec // config path is application-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.withDefaults(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

// Paths holds every state file location the daemon and CLI share.
// Defaults live under <repo>/.loom; environment variables override each.
type Paths struct {
	RepoRoot   string
	LoomDir    string // LOOM_DIR
	ConfigPath string
	PIDPath    string // LOOM_PID_PATH
	SocketPath string // LOOM_SOCKET_PATH
	DBPath     string // LOOM_DB_PATH
	PortPath   string // LOOM_HTTP_PORT_PATH
}

// ResolvePaths returns the state paths for a repository, respecting env
// overrides. LOOM_DIR moves the whole state directory; the specific
// variables override single files regardless of the base.
func ResolvePaths(repoRoot string) Paths {
	loomDir := envOr("LOOM_DIR", filepath.Join(repoRoot, protocol.LoomDir))
	return Paths{
		RepoRoot:   repoRoot,
		LoomDir:    loomDir,
		ConfigPath: filepath.Join(loomDir, "config.toml"),
		PIDPath:    envOr("LOOM_PID_PATH", filepath.Join(loomDir, "loom.pid")),
		SocketPath: envOr("LOOM_SOCKET_PATH", filepath.Join(loomDir, "loom.sock")),
		DBPath:     envOr("LOOM_DB_PATH", filepath.Join(loomDir, "state.db")),
		PortPath:   envOr("LOOM_HTTP_PORT_PATH", filepath.Join(loomDir, "http.port")),
	}
}

// RefsDir resolves the configured chunk-docs directory against the repo root.
func (p Paths) RefsDir(cfg Config) string {
	if filepath.IsAbs(cfg.RefsDir) {
		return cfg.RefsDir
	}
	return filepath.Join(p.RepoRoot, cfg.RefsDir)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
