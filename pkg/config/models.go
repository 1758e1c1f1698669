package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Call      CallConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	// Shared secret required on /internal/* endpoints. The CRUD service
	// presents it in the X-Internal-Token header.
	InternalToken string `mapstructure:"internalToken"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout   time.Duration `mapstructure:"readTimeout"`
	SendQueueSize int           `mapstructure:"sendQueueSize"`
	// What to do when a recipient's send queue is full: "drop" discards the
	// message, "disconnect" closes the connection.
	OverflowPolicy string `mapstructure:"overflowPolicy"`
}

type CallConfig struct {
	// How long a call may stay ringing before it is timed out server-side.
	// Zero disables the timer (the client UI still times out locally).
	RingTimeout time.Duration `mapstructure:"ringTimeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}
