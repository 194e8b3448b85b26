package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// GameMode describes one matchable playlist. Clients may refer to it by the
// exact playlist name, a legacy numeric alias, or the short id; all three
// resolve to the same canonical mode.
type GameMode struct {
	Mode             string
	Playlist         string
	LegacyAlias      string
	ShortID          string
	TimeBetweenGames time.Duration // zero means use the global default
}

type Config struct {
	ListenPort    int
	MetricsPort   int
	PublicHost    string
	XMPPDomain    string
	ServerSecret  string
	SigningSecret string
	AccountsDir   string

	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	RecycleInterval  time.Duration
	TimeBetweenGames time.Duration

	MaxQueuedPlayers  int
	MinPlayersToStart int
	QueuePollInterval time.Duration
	QueueFullInterval time.Duration
	StateStepDelay    time.Duration
	JoinDelaySec      int
	PayloadTTL        time.Duration
	JoinTokenTTL      time.Duration

	LogLevel string

	GameModes []GameMode
}

// DefaultGameModes is the built-in playlist table. The legacy alias is the
// bare playlist number older build manifests send; the short id is the
// "p"-prefixed form used inside bucket ids.
func DefaultGameModes() []GameMode {
	return []GameMode{
		{Mode: "solo", Playlist: "Playlist_DefaultSolo", LegacyAlias: "2", ShortID: "p2"},
		{Mode: "duo", Playlist: "Playlist_DefaultDuo", LegacyAlias: "10", ShortID: "p10"},
		{Mode: "squad", Playlist: "Playlist_DefaultSquad", LegacyAlias: "9", ShortID: "p9"},
	}
}

func Load() *Config {
	cfg := &Config{
		ListenPort:    getEnvInt("MATCHGATE_PORT", 8080),
		MetricsPort:   getEnvInt("MATCHGATE_METRICS_PORT", 8081),
		PublicHost:    strings.TrimSpace(getEnv("MATCHGATE_PUBLIC_HOST", "127.0.0.1:8080")),
		XMPPDomain:    strings.TrimSpace(getEnv("MATCHGATE_XMPP_DOMAIN", "prod.ol.matchgate.local")),
		ServerSecret:  strings.TrimSpace(os.Getenv("MATCHGATE_SERVER_SECRET")),
		SigningSecret: strings.TrimSpace(os.Getenv("MATCHGATE_SIGNING_SECRET")),
		AccountsDir:   strings.TrimSpace(getEnv("MATCHGATE_ACCOUNTS_DIR", "data/accounts")),

		HeartbeatTimeout: getEnvDuration("MATCHGATE_HEARTBEAT_TIMEOUT", 90*time.Second),
		SweepInterval:    getEnvDuration("MATCHGATE_SWEEP_INTERVAL", 60*time.Second),
		RecycleInterval:  getEnvDuration("MATCHGATE_RECYCLE_INTERVAL", 60*time.Second),
		TimeBetweenGames: getEnvDuration("MATCHGATE_TIME_BETWEEN_GAMES", 25*time.Minute),

		MaxQueuedPlayers:  getEnvInt("MATCHGATE_MAX_QUEUED_PLAYERS", 100),
		MinPlayersToStart: getEnvInt("MATCHGATE_MIN_PLAYERS_TO_START", 2),
		QueuePollInterval: getEnvDuration("MATCHGATE_QUEUE_POLL_INTERVAL", 2*time.Second),
		QueueFullInterval: getEnvDuration("MATCHGATE_QUEUE_FULL_INTERVAL", 500*time.Millisecond),
		StateStepDelay:    getEnvDuration("MATCHGATE_STATE_STEP_DELAY", 500*time.Millisecond),
		JoinDelaySec:      getEnvInt("MATCHGATE_JOIN_DELAY_SEC", 1),
		PayloadTTL:        getEnvDuration("MATCHGATE_PAYLOAD_TTL", 5*time.Minute),
		JoinTokenTTL:      getEnvDuration("MATCHGATE_JOIN_TOKEN_TTL", 5*time.Minute),

		LogLevel: strings.TrimSpace(getEnv("MATCHGATE_LOG_LEVEL", "info")),

		GameModes: DefaultGameModes(),
	}

	if cfg.ServerSecret == "" {
		log.Warn().Msg("server registration secret not set; set MATCHGATE_SERVER_SECRET")
	}
	if cfg.SigningSecret == "" {
		log.Warn().Msg("token signing secret not set; set MATCHGATE_SIGNING_SECRET")
	}
	return cfg
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.ListenPort))
}

func (c *Config) MetricsAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// ResolvePlaylist matches a client-supplied playlist token against the mode
// table. Matching is case-insensitive across the exact playlist name, the
// legacy alias and the short id.
func (c *Config) ResolvePlaylist(token string) (GameMode, bool) {
	t := strings.ToLower(strings.TrimSpace(token))
	if t == "" {
		return GameMode{}, false
	}
	for _, gm := range c.GameModes {
		if t == strings.ToLower(gm.Playlist) || t == strings.ToLower(gm.LegacyAlias) || t == strings.ToLower(gm.ShortID) {
			return gm, true
		}
	}
	return GameMode{}, false
}

// TimeBetweenGamesFor returns the recycle window for a mode, falling back to
// the global default when the mode carries no override.
func (c *Config) TimeBetweenGamesFor(mode string) time.Duration {
	for _, gm := range c.GameModes {
		if gm.Mode == mode && gm.TimeBetweenGames > 0 {
			return gm.TimeBetweenGames
		}
	}
	return c.TimeBetweenGames
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"listenPort":           c.ListenPort,
		"metricsPort":          c.MetricsPort,
		"publicHost":           c.PublicHost,
		"xmppDomain":           c.XMPPDomain,
		"accountsDir":          c.AccountsDir,
		"heartbeatTimeout":     c.HeartbeatTimeout.String(),
		"sweepInterval":        c.SweepInterval.String(),
		"recycleInterval":      c.RecycleInterval.String(),
		"timeBetweenGames":     c.TimeBetweenGames.String(),
		"maxQueuedPlayers":     c.MaxQueuedPlayers,
		"minPlayersToStart":    c.MinPlayersToStart,
		"logLevel":             c.LogLevel,
		"serverSecretProvided": c.ServerSecret != "",
		"signingKeyProvided":   c.SigningSecret != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		fmt.Printf("invalid int for %s: %s\n", key, v)
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		fmt.Printf("invalid duration for %s: %s\n", key, v)
	}
	return def
}
