package mqclient

import (
	"time"

	"github.com/spf13/viper"
)

// Environment variables recognized for queue defaults. Explicit options
// always win over the environment.
const (
	envAddress   = "EWMS_MQ_ADDRESS"
	envPrefetch  = "EWMS_MQ_PREFETCH"
	envTimeout   = "EWMS_MQ_TIMEOUT"
	envAuthToken = "EWMS_MQ_AUTH_TOKEN"
)

const (
	// DefaultAddress is used when neither an option nor the environment
	// provides a broker address.
	DefaultAddress = "localhost"

	// DefaultPrefetch is the default prefetch window.
	DefaultPrefetch = 1

	// DefaultTimeout is the default wait for a single message fetch.
	DefaultTimeout = 60 * time.Second
)

// envDefaults reads queue defaults from the environment.
func envDefaults() Config {
	v := viper.New()

	v.SetDefault("address", DefaultAddress)
	v.SetDefault("prefetch", DefaultPrefetch)
	v.SetDefault("timeout", int(DefaultTimeout/time.Second))
	v.SetDefault("auth_token", "")

	// Ignoring BindEnv errors: they only fire with zero arguments.
	_ = v.BindEnv("address", envAddress)
	_ = v.BindEnv("prefetch", envPrefetch)
	_ = v.BindEnv("timeout", envTimeout)
	_ = v.BindEnv("auth_token", envAuthToken)

	return Config{
		Address:   v.GetString("address"),
		Prefetch:  v.GetInt("prefetch"),
		Timeout:   time.Duration(v.GetInt("timeout")) * time.Second,
		AuthToken: v.GetString("auth_token"),
	}
}
