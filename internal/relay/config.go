// Package relay implements the broker between peers: a websocket room
// registry with token auth and rate limits, bbolt-backed persistence of each
// room's canonical document, periodic compaction, and a small monitoring
// surface (REST, SSE, Prometheus, dashboard).
package relay

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "relay")

// Defaults for the environment configuration.
const (
	DefaultPort           = 2468
	DefaultHost           = "0.0.0.0"
	DefaultPersistenceDir = "./data"
	DefaultMaxRooms       = 100
	DefaultMaxConnsPerIP  = 10
	DefaultMinTokenLength = 16
	DefaultCompaction     = 6 * time.Hour
	DefaultTombstoneMax   = 30 * 24 * time.Hour

	// roomIdleGrace is how long an empty room stays resident before its
	// document is flushed and dropped from memory.
	roomIdleGrace = 60 * time.Second
)

// Config is the relay's runtime configuration, loaded from the environment
// at the edge and passed in as a value everywhere else.
type Config struct {
	Port           int
	Host           string
	PersistenceDir string

	// AuthTokens maps room name to its shared token. Rooms without an
	// entry are open.
	AuthTokens map[string]string

	MaxRooms      int
	MaxConnsPerIP int

	MonitorOrigin string
	MonitorToken  string

	MinTokenLength int

	CompactionInterval time.Duration
	TombstoneMaxAge    time.Duration
}

// FromEnv reads the documented environment variables, falling back to the
// defaults for anything unset or unparsable.
func FromEnv() Config {
	cfg := Config{
		Port:               envInt("PORT", DefaultPort),
		Host:               envStr("HOST", DefaultHost),
		PersistenceDir:     envStr("PERSISTENCE_DIR", DefaultPersistenceDir),
		AuthTokens:         parseAuthTokens(os.Getenv("AUTH_TOKENS")),
		MaxRooms:           envInt("MAX_ROOMS", DefaultMaxRooms),
		MaxConnsPerIP:      envInt("MAX_CONNS_PER_IP", DefaultMaxConnsPerIP),
		MonitorOrigin:      os.Getenv("MONITOR_ORIGIN"),
		MonitorToken:       os.Getenv("MONITOR_TOKEN"),
		MinTokenLength:     envInt("MIN_TOKEN_LENGTH", DefaultMinTokenLength),
		CompactionInterval: time.Duration(envInt("COMPACTION_HOURS", int(DefaultCompaction/time.Hour))) * time.Hour,
		TombstoneMaxAge:    time.Duration(envInt("TOMBSTONE_MAX_DAYS", int(DefaultTombstoneMax/(24*time.Hour)))) * 24 * time.Hour,
	}

	for room, token := range cfg.AuthTokens {
		if len(token) < cfg.MinTokenLength {
			log.WithFields(logrus.Fields{"room": room, "length": len(token)}).
				Warn("auth token shorter than the configured minimum")
		}
	}
	return cfg
}

// parseAuthTokens parses the room:token,room:token form.
func parseAuthTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		room, token, ok := strings.Cut(pair, ":")
		if !ok || room == "" || token == "" {
			log.WithField("entry", pair).Warn("ignoring malformed AUTH_TOKENS entry")
			continue
		}
		tokens[SanitizeRoomName(room)] = token
	}
	return tokens
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.WithFields(logrus.Fields{"var": key, "value": v}).Warn("ignoring non-numeric environment value")
		return fallback
	}
	return n
}

// SanitizeRoomName reduces a requested room name to the accepted alphabet:
// a leading alphanumeric followed by up to 127 characters of alphanumerics,
// underscore, dot, space or dash. Disallowed characters are stripped; an
// empty result falls back to "default".
func SanitizeRoomName(name string) string {
	var b strings.Builder
	for _, r := range name {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
		if b.Len() > 0 {
			ok = ok || r == '_' || r == '.' || r == ' ' || r == '-'
		}
		if ok {
			b.WriteRune(r)
		}
		if b.Len() == 128 {
			break
		}
	}
	out := strings.TrimRight(b.String(), " ")
	if out == "" {
		return "default"
	}
	return out
}

// MaskIP hides the host part of an address in logs: the last two IPv4
// octets, or everything past the first two IPv6 groups.
func MaskIP(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.Trim(addr, "[]")

	if strings.Contains(addr, ".") {
		parts := strings.Split(addr, ".")
		if len(parts) == 4 {
			return parts[0] + "." + parts[1] + ".x.x"
		}
		return "x.x.x.x"
	}
	if strings.Contains(addr, ":") {
		parts := strings.Split(addr, ":")
		if len(parts) >= 2 {
			return parts[0] + ":" + parts[1] + "::x"
		}
	}
	return "x"
}
