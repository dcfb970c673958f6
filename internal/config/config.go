// Package config loads and validates the client configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mockmate/callkit/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Media    Media    `json:"media"`
	Chat     Chat     `json:"chat"`
}

type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Store points at the shared realtime key-value store every participant
// reads and writes. Empty URL selects the in-process store, which only
// makes sense for tests and single-machine demos.
type Store struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type Media struct {
	ICEServers            []string `json:"ice_servers"`
	Camera                bool     `json:"camera"`
	ScreenShare           bool     `json:"screen_share"`
	NegotiationTimeoutSec int      `json:"negotiation_timeout_seconds"`
	CandidateTimeoutSec   int      `json:"candidate_timeout_seconds"`
}

type Chat struct {
	// HistoryDir holds the local SQLite cache. Empty disables caching.
	HistoryDir string `json:"history_dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "anonymous",
		},
		Media: Media{
			ICEServers:            []string{"stun:stun.l.google.com:19302"},
			Camera:                true,
			ScreenShare:           true,
			NegotiationTimeoutSec: int(util.DefaultNegotiationTimeout / time.Second),
			CandidateTimeoutSec:   int(util.DefaultCandidateTimeout / time.Second),
		},
		Chat: Chat{
			HistoryDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if _, err := util.ValidateParticipantID(c.Identity.ID); err != nil {
		return fmt.Errorf("identity.id: %w", err)
	}
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity.display_name is required")
	}

	if url := strings.TrimSpace(c.Store.URL); url != "" {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return errors.New("store.url must be a ws:// or wss:// address")
		}
	}

	if len(c.Media.ICEServers) == 0 {
		return errors.New("media.ice_servers must list at least one server")
	}
	for _, s := range c.Media.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("media.ice_servers: %q is not a stun/turn URL", s)
		}
	}
	if c.Media.NegotiationTimeoutSec <= 0 {
		return errors.New("media.negotiation_timeout_seconds must be > 0")
	}
	if c.Media.CandidateTimeoutSec <= 0 {
		return errors.New("media.candidate_timeout_seconds must be > 0")
	}
	return nil
}

// NegotiationTimeout returns the configured join deadline.
func (c *Config) NegotiationTimeout() time.Duration {
	return time.Duration(c.Media.NegotiationTimeoutSec) * time.Second
}

// CandidateTimeout returns the bounded wait for the first remote candidate.
func (c *Config) CandidateTimeout() time.Duration {
	return time.Duration(c.Media.CandidateTimeoutSec) * time.Second
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
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0644)
}

// Ensure loads config if it exists; otherwise creates a default config
// file with the given identity. Returns (cfg, createdNew, err).
func Ensure(path, selfID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.ID = selfID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
