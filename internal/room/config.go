package room

import "time"

// Defaults for the per-room runtime limits.
const (
	defaultMaxConnections  = 50
	defaultMaxMessageBytes = 2 << 20
	defaultDebounceQuiet   = 30 * time.Second
	defaultDebounceMax     = 60 * time.Second
	defaultExtractTimeout  = 5 * time.Second
	defaultIdleTTL         = 24 * time.Hour
)

// Config carries the immutable runtime limits of a room actor. Zero values
// fall back to the defaults above.
type Config struct {
	// MaxConnections is the concurrent connection ceiling per room.
	MaxConnections int
	// MaxMessageBytes closes connections that send larger protocol messages.
	MaxMessageBytes int64
	// DebounceQuiet is how long after the last edit a save fires.
	DebounceQuiet time.Duration
	// DebounceMax bounds how long unflushed edits may accumulate.
	DebounceMax time.Duration
	// ExtractTimeout bounds the wait for a canonical-text response.
	ExtractTimeout time.Duration
	// IdleTTL is how long an anonymous room survives without activity.
	IdleTTL time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxConnections:  defaultMaxConnections,
		MaxMessageBytes: defaultMaxMessageBytes,
		DebounceQuiet:   defaultDebounceQuiet,
		DebounceMax:     defaultDebounceMax,
		ExtractTimeout:  defaultExtractTimeout,
		IdleTTL:         defaultIdleTTL,
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.DebounceQuiet <= 0 {
		cfg.DebounceQuiet = defaultDebounceQuiet
	}
	if cfg.DebounceMax <= 0 {
		cfg.DebounceMax = defaultDebounceMax
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = defaultExtractTimeout
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	return cfg
}
