package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Client is the chatctl configuration file
type Client struct {
	ServerURL string `yaml:"server_url"`
	WSURL     string `yaml:"ws_url"`
	Token     string `yaml:"token"`
	UserID    int64  `yaml:"user_id"`
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	Tx        Tx     `yaml:"tx"`
}

// Tx is the default retry policy for transactions
type Tx struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
}

func DefaultClient() *Client {
	return &Client{
		ServerURL: "http://localhost:8080",
		DataDir:   "./.chatsync",
		LogLevel:  "info",
		Tx: Tx{
			MaxRetries:       30,
			RetryDelay:       5 * time.Second,
			ExecutionTimeout: 10 * time.Second,
		},
	}
}

// LoadClient reads path over the defaults. A missing file is not an error,
// the environment alone may be enough.
func LoadClient(path string) (*Client, error) {
	cfg := DefaultClient()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("CHATSYNC_SERVER"); v != "" {
		cfg.ServerURL = v
	}
	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.ServerURL)
	}

	return cfg, cfg.Validate()
}

func (c *Client) Validate() error {
	var missing []string
	if c.ServerURL == "" {
		missing = append(missing, "server_url")
	}
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.UserID <= 0 {
		missing = append(missing, "user_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("incomplete client config, missing: %s", strings.Join(missing, ", "))
	}
	if c.Tx.MaxRetries < 0 || c.Tx.RetryDelay < 0 || c.Tx.ExecutionTimeout <= 0 {
		return fmt.Errorf("invalid tx policy: %+v", c.Tx)
	}
	return nil
}

func (c *Client) StorePath() string { return filepath.Join(c.DataDir, "local.db") }

func (c *Client) JournalPath() string { return filepath.Join(c.DataDir, "journal") }

func deriveWSURL(server string) string {
	ws := server
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/api/v1/ws"
}
