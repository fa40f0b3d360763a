package config

import "path/filepath"

const (
	// DefaultEnvironment is the cloud host used when none is configured.
	DefaultEnvironment = "login.microsoftonline.com"

	// DefaultRedirectURI is the loopback redirect used by the CLI flow.
	DefaultRedirectURI = "http://localhost:8400/callback"

	// CacheKeyEnvVar names the environment variable carrying the hex-encoded
	// 32-byte encryption key for the file backend.
	CacheKeyEnvVar = "AUTHCORE_CACHE_KEY"
)

// Default returns the default configuration.
func Default() Config {
	return Config{
		Authority: Authority{
			Type:        "AAD",
			Environment: DefaultEnvironment,
			Realm:       "common",
		},
		Client: ClientConfig{
			RedirectURI: DefaultRedirectURI,
		},
		Storage: StorageConfig{
			Backend:        StorageFile,
			Path:           filepath.Join(GetDefaultConfigPathOrPanic(), "cache.bin"),
			KeyringService: "authcore",
			KeyringUser:    "token-cache",
			RedisHashKey:   "authcore:token-cache",
		},
		Broker: BrokerConfig{
			Transports:            []string{"unix-socket", "dbus"},
			SocketPath:            "/run/authbroker/broker.sock",
			DBusName:              "org.authcore.Broker",
			DBusObjectPath:        "/org/authcore/Broker",
			DBusInterface:         "org.authcore.Broker",
			AttemptTimeoutSeconds: 5,
		},
	}
}
