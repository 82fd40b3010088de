package txadmin

import "time"

// Config holds txadmin's HTTP server settings (mirrors the teacher's
// pkg/server.Config/DefaultConfig functional-struct style).
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxRequestSize int64
	EnableCORS     bool
	AllowedOrigins []string
	EnableGraphQL  bool
}

// DefaultConfig returns sensible defaults for the introspection server.
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           9080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxRequestSize: 1 * 1024 * 1024,
		EnableCORS:     true,
		AllowedOrigins: []string{"*"},
		EnableGraphQL:  true,
	}
}
