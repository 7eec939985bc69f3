package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/duochat/duochat/internal/util"
)

type Config struct {
	API    API    `json:"api"`
	Broker Broker `json:"broker"`
	Media  Media  `json:"media"`
	HTTP   HTTP   `json:"http"`
	Paths  Paths  `json:"paths"`
}

// API is the chat backend (history, conversations, call tokens).
type API struct {
	BaseURL    string `json:"base_url"`
	TimeoutSec int    `json:"timeout_seconds"`
}

// Broker is the pub/sub transport used for live message delivery and call
// signaling.
type Broker struct {
	URL          string `json:"url"`
	KeepaliveSec int    `json:"keepalive_seconds"`
}

type Media struct {
	STUNServers []string `json:"stun_servers"`
}

// HTTP is the local web entry point served to the UI.
type HTTP struct {
	Addr        string   `json:"addr"`
	CORSOrigins []string `json:"cors_origins"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		API: API{
			BaseURL:    "http://localhost:8080/api",
			TimeoutSec: 10,
		},
		Broker: Broker{
			URL:          "ws://localhost:9001/mqtt",
			KeepaliveSec: 30,
		},
		Media: Media{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		HTTP: HTTP{
			Addr:        "127.0.0.1:8190",
			CORSOrigins: []string{"http://localhost:5173"},
		},
		Paths: Paths{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// API
	if err := validateHTTPURL(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if c.API.TimeoutSec <= 0 {
		return errors.New("api.timeout_seconds must be > 0")
	}

	// Broker
	bu, err := url.Parse(strings.TrimSpace(c.Broker.URL))
	if err != nil {
		return fmt.Errorf("broker.url: %v", err)
	}
	if bu.Scheme != "ws" && bu.Scheme != "wss" {
		return errors.New("broker.url scheme must be ws or wss")
	}
	if bu.Host == "" {
		return errors.New("broker.url missing host")
	}
	if c.Broker.KeepaliveSec <= 0 {
		return errors.New("broker.keepalive_seconds must be > 0")
	}

	// Media
	for _, s := range c.Media.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("media.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	// HTTP
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
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

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv overrides file values with DUOCHAT_* environment variables.
// A .env file beside the binary is honored when present.
func (c *Config) applyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("DUOCHAT_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("DUOCHAT_API_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.API.TimeoutSec = n
		}
	}
	if v := os.Getenv("DUOCHAT_BROKER_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("DUOCHAT_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("DUOCHAT_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
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
