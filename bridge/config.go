package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/guseggert/wsbridge/bridge/lines"
	"gopkg.in/yaml.v3"
)

// Version is reported in SERVER_SOFTWARE.
const Version = "0.1.0"

// DefaultPassEnv are the parent variables handed to children when present.
var DefaultPassEnv = []string{"PATH", "DYLD_LIBRARY_PATH", "LD_LIBRARY_PATH", "SYSTEMROOT", "COMSPEC", "TMP", "TEMP"}

// Config configures a Server.
// Exactly one of Command or ScriptDir must be set.
type Config struct {
	// Addr is the TCP address to listen on.
	Addr string `yaml:"address"`
	// BasePath is the URL prefix the bridge serves under. It always ends with "/".
	BasePath string `yaml:"basepath"`

	// Command is the program run for every connection, with Args.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// ScriptDir maps URL paths to programs inside this directory.
	ScriptDir string `yaml:"dir"`
	// WorkDir is the working directory of children. Defaults to the server's.
	WorkDir string `yaml:"workdir"`

	// StaticDir, when set, serves plain HTTP requests from this directory.
	StaticDir string `yaml:"staticdir"`
	// CGIDir, when set, runs plain HTTP requests as CGI scripts from this directory.
	CGIDir string `yaml:"cgidir"`

	ServerSoftware string `yaml:"server_software"`
	// ReverseLookup resolves REMOTE_HOST with a reverse DNS lookup.
	ReverseLookup bool `yaml:"reverselookup"`
	// PassEnv names parent variables passed through to children.
	PassEnv []string `yaml:"passenv"`
	// Env are extra "NAME=value" variables for children.
	Env []string `yaml:"env"`

	// Binary relays binary frames and raw output chunks instead of text lines.
	Binary bool `yaml:"binary"`
	// ReadLimit is the largest inbound message accepted, in bytes.
	ReadLimit int64 `yaml:"readlimit"`
	// PartialLines is what happens to unterminated output at EOF: "flush" or "discard".
	PartialLines string `yaml:"partial_lines"`
	// GracePeriod bounds how long a draining session waits for output and for the child to exit.
	GracePeriod time.Duration `yaml:"grace_period"`
	// ExitCodeMapping names the CloseCodeMapping: "private" or "internal".
	ExitCodeMapping string `yaml:"exit_code_mapping"`

	// MaxForks caps concurrently running children. Zero means no limit.
	MaxForks int `yaml:"maxforks"`
	// MaxRate caps new sessions per second. Zero means no limit.
	MaxRate float64 `yaml:"max_rate"`
	// SameOrigin only allows upgrades whose Origin matches the Host.
	SameOrigin bool `yaml:"sameorigin"`
	// AllowOrigins are host patterns (as in path.Match) allowed to upgrade.
	AllowOrigins []string `yaml:"origins"`
}

func DefaultConfig() Config {
	return Config{
		Addr:            "0.0.0.0:8080",
		BasePath:        "/",
		ServerSoftware:  "wsbridge/" + Version,
		PassEnv:         append([]string(nil), DefaultPassEnv...),
		ReadLimit:       32768,
		PartialLines:    lines.FlushPartial.String(),
		GracePeriod:     5 * time.Second,
		ExitCodeMapping: "private",
	}
}

// LoadConfig reads a YAML config file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err = dec.Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config and normalizes paths.
func (c *Config) Validate() error {
	if (c.Command == "") == (c.ScriptDir == "") {
		return errors.New("exactly one of a command or a script dir must be given")
	}
	if c.ScriptDir != "" {
		dir, err := filepath.Abs(c.ScriptDir)
		if err != nil {
			return fmt.Errorf("resolving script dir: %w", err)
		}
		fi, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("checking script dir: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("script dir %s is not a directory", dir)
		}
		c.ScriptDir = dir
	}
	if c.BasePath == "" {
		c.BasePath = "/"
	}
	if !strings.HasPrefix(c.BasePath, "/") {
		c.BasePath = "/" + c.BasePath
	}
	if !strings.HasSuffix(c.BasePath, "/") {
		c.BasePath += "/"
	}
	if _, err := c.partialPolicy(); err != nil {
		return err
	}
	if _, err := CloseCodeMappingByName(c.ExitCodeMapping); err != nil {
		return err
	}
	if c.ReadLimit <= 0 {
		return fmt.Errorf("read limit must be positive, got %d", c.ReadLimit)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive, got %s", c.GracePeriod)
	}
	if c.MaxForks < 0 {
		return fmt.Errorf("maxforks must not be negative, got %d", c.MaxForks)
	}
	if c.MaxRate < 0 {
		return fmt.Errorf("max rate must not be negative, got %v", c.MaxRate)
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env entry %q is not NAME=value", kv)
		}
	}
	return nil
}

func (c *Config) partialPolicy() (lines.Policy, error) {
	switch c.PartialLines {
	case "", lines.FlushPartial.String():
		return lines.FlushPartial, nil
	case lines.DiscardPartial.String():
		return lines.DiscardPartial, nil
	}
	return 0, fmt.Errorf("unknown partial line policy %q", c.PartialLines)
}

// parentEnv returns the PassEnv variables present in the server's environment.
func (c *Config) parentEnv() []string {
	var env []string
	for _, name := range c.PassEnv {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}
