package config

import "time"

type Config struct {
	HTTP   HTTPConfig
	IPC    IPCConfig
	Cursor CursorConfig
	Cache  CacheConfig
	Query  QueryConfig
}

type HTTPConfig struct {
	ListenAddr  string
	ReadTimeout time.Duration
}

type IPCConfig struct {
	Enable         bool
	SocketPath     string
	MaxConnections int // Max concurrent connections (0 = unlimited, used with ants)
}

type CursorConfig struct {
	DefaultBatchSize int           // Rows per batch when the client sends none
	DefaultTTL       time.Duration // Cursor lifetime when the client sends none
	SweepInterval    time.Duration // How often expired cursors are reclaimed
}

// CacheConfig configures the query result cache.
type CacheConfig struct {
	Mode       string // "off" | "on" | "demand"
	MaxResults int    // Maximum cached result sets; oldest evicted beyond this
}

// QueryConfig configures query execution limits.
type QueryConfig struct {
	MaxResultCount int // Cap on fully materialized results (count=true); 0 = unlimited
}

func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			ListenAddr:  ":8529",
			ReadTimeout: 30 * time.Second,
		},
		IPC: IPCConfig{
			Enable:         false,
			SocketPath:     "/tmp/cursordb.sock",
			MaxConnections: 0,
		},
		Cursor: CursorConfig{
			DefaultBatchSize: 1000,
			DefaultTTL:       30 * time.Second,
			SweepInterval:    1 * time.Second,
		},
		Cache: CacheConfig{
			Mode:       "demand",
			MaxResults: 128,
		},
		Query: QueryConfig{
			MaxResultCount: 1_000_000,
		},
	}
}
