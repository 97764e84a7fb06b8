package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Paths     Paths     `json:"paths"`
	Inbox     Inbox     `json:"inbox"`
	Call      Call      `json:"call"`
	Signaling Signaling `json:"signaling"`
	Push      Push      `json:"push"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
}

type Identity struct {
	File        string `json:"file"`
	DisplayName string `json:"display_name"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
	DBFile  string `json:"db_file"`
}

type Inbox struct {
	// Upper bound on rooms a viewer may pin at once.
	MaxPins int `json:"max_pins"`

	// Number of newest messages loaded per room feed.
	FeedLimit int `json:"feed_limit"`
}

type Call struct {
	RingTimeoutSec  int      `json:"ring_timeout_seconds"`
	CleanupDelaySec int      `json:"cleanup_delay_seconds"`
	STUNServers     []string `json:"stun_servers"`
	VideoDisabled   bool     `json:"video_disabled"`
}

type Signaling struct {
	// If true, this node hosts the realtime store and serves the relay
	// endpoint on viewer.http_addr. Otherwise it dials RelayURL.
	Host bool `json:"host"`

	// WebSocket URL of a hosting node, e.g. ws://10.0.0.2:7780/api/rtdb/ws
	RelayURL string `json:"relay_url"`

	// WebSocket URL of the hosting node's document relay. Empty means the
	// /api/docs/ws endpoint on the RelayURL host.
	DocsURL string `json:"docs_url,omitempty"`

	RequestTimeoutSec int `json:"request_timeout_seconds"`
}

type Push struct {
	// Notifier endpoint receiving call notifications. Empty disables push.
	NotifierURL string `json:"notifier_url"`
	TimeoutSec  int    `json:"timeout_seconds"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			File: "data/identity.json",
		},
		Paths: Paths{
			DataDir: "data",
			DBFile:  "data/chatsync.db",
		},
		Inbox: Inbox{
			MaxPins:   5,
			FeedLimit: 50,
		},
		Call: Call{
			RingTimeoutSec:  60,
			CleanupDelaySec: 3,
			STUNServers:     []string{"stun:stun.l.google.com:19302"},
		},
		Signaling: Signaling{
			Host:              true,
			RequestTimeoutSec: 10,
		},
		Push: Push{
			TimeoutSec: 5,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7780",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.File) == "" {
		return errors.New("identity.file is required")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.DBFile) == "" {
		return errors.New("paths.db_file is required")
	}

	if c.Inbox.MaxPins < 1 {
		return errors.New("inbox.max_pins must be >= 1")
	}
	if c.Inbox.FeedLimit < 1 || c.Inbox.FeedLimit > 1000 {
		return errors.New("inbox.feed_limit must be 1..1000")
	}

	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.CleanupDelaySec < 0 {
		return errors.New("call.cleanup_delay_seconds must be >= 0")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	if !c.Signaling.Host {
		if err := validateRelayURL(c.Signaling.RelayURL); err != nil {
			return fmt.Errorf("signaling.relay_url: %w", err)
		}
		if c.Signaling.DocsURL != "" {
			if err := validateRelayURL(c.Signaling.DocsURL); err != nil {
				return fmt.Errorf("signaling.docs_url: %w", err)
			}
		}
	}
	if c.Signaling.RequestTimeoutSec <= 0 {
		return errors.New("signaling.request_timeout_seconds must be > 0")
	}

	if u := strings.TrimSpace(c.Push.NotifierURL); u != "" {
		pu, err := url.Parse(u)
		if err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
			return errors.New("push.notifier_url must be an http(s) url")
		}
	}
	if c.Push.TimeoutSec <= 0 {
		return errors.New("push.timeout_seconds must be > 0")
	}

	if c.Viewer.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.Viewer.HTTPAddr); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	if c.Signaling.Host && c.Viewer.HTTPAddr == "" {
		return errors.New("signaling.host requires viewer.http_addr")
	}

	return nil
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required when signaling.host is false")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

func (c Call) RingTimeout() time.Duration  { return time.Duration(c.RingTimeoutSec) * time.Second }
func (c Call) CleanupDelay() time.Duration { return time.Duration(c.CleanupDelaySec) * time.Second }

func (s Signaling) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// DocsRelayURL returns the document relay a non-hosting node dials.
func (s Signaling) DocsRelayURL() string {
	if s.DocsURL != "" {
		return s.DocsURL
	}
	u, err := url.Parse(strings.TrimSpace(s.RelayURL))
	if err != nil {
		return ""
	}
	u.Path, u.RawQuery = "/api/docs/ws", ""
	return u.String()
}

func (p Push) Timeout() time.Duration { return time.Duration(p.TimeoutSec) * time.Second }

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
