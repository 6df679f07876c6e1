package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/voxlink-app/voxlink/internal/util"
)

type Config struct {
	HTTP  HTTP  `json:"http"`
	Paths Paths `json:"paths"`
	Call  Call  `json:"call"`
}

type HTTP struct {
	// Addr is the listen address for the web UI and API, e.g. "127.0.0.1:8090"
	// or ":8090" to accept LAN connections.
	Addr string `json:"addr"`
}

type Paths struct {
	// DataDir holds the SQLite database and chat attachments.
	// Relative to the node directory.
	DataDir string `json:"data_dir"`
}

type Call struct {
	// STUNServers override the built-in public STUN set. Entries are full
	// URLs ("stun:host:port"). Empty means use the defaults.
	STUNServers []string `json:"stun_servers"`
}

func Default() Config {
	return Config{
		HTTP:  HTTP{Addr: "127.0.0.1:8090"},
		Paths: Paths{DataDir: "data"},
	}
}

func (c *Config) Validate() error {
	addr := strings.TrimSpace(c.HTTP.Addr)
	if addr == "" {
		return errors.New("http.addr is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("http.addr: %v", err)
	}

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
