package config

// Config is the top-level configuration structure for authcore.
type Config struct {
	Authority Authority     `json:"authority"`
	Client    ClientConfig  `json:"client"`
	Storage   StorageConfig `json:"storage"`
	Broker    BrokerConfig  `json:"broker"`
	Migration Migration     `json:"migration"`
}

// Authority selects the cloud endpoint the protocol engine talks to.
type Authority struct {
	Type        string `json:"type,omitempty"`        // AAD, B2C or ADFS (default: AAD)
	Environment string `json:"environment,omitempty"` // cloud host, e.g. login.microsoftonline.com
	Realm       string `json:"realm,omitempty"`       // tenant id (default: common)
	Policy      string `json:"policy,omitempty"`      // B2C user-flow policy
}

// ClientConfig identifies the application to the authority.
type ClientConfig struct {
	ClientID    string   `json:"clientId,omitempty"`
	RedirectURI string   `json:"redirectUri,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// StorageBackend selects the token cache's persistence collaborator.
type StorageBackend string

const (
	StorageMemory  StorageBackend = "memory"
	StorageFile    StorageBackend = "file"
	StorageKeyring StorageBackend = "keyring"
	StorageRedis   StorageBackend = "redis"
)

// StorageConfig configures the cache persistence backend.
type StorageConfig struct {
	Backend StorageBackend `json:"backend,omitempty"` // memory, file, keyring or redis (default: file)

	// File backend. The encryption key is never configured here; it comes
	// from the AUTHCORE_CACHE_KEY environment variable.
	Path string `json:"path,omitempty"`

	// Keyring backend.
	KeyringService string `json:"keyringService,omitempty"`
	KeyringUser    string `json:"keyringUser,omitempty"`

	// Redis backend.
	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDB,omitempty"`
	RedisHashKey  string `json:"redisHashKey,omitempty"`
}

// BrokerConfig configures broker delegation and its transport preference
// order.
type BrokerConfig struct {
	Enabled bool `json:"enabled,omitempty"`

	// Transports in preference order, fastest first. Known kinds:
	// unix-socket, dbus.
	Transports []string `json:"transports,omitempty"`

	SocketPath     string `json:"socketPath,omitempty"`
	DBusName       string `json:"dbusName,omitempty"`
	DBusObjectPath string `json:"dbusObjectPath,omitempty"`
	DBusInterface  string `json:"dbusInterface,omitempty"`

	// CallerID is the identity this process presents to the broker.
	CallerID string `json:"callerId,omitempty"`

	// AllowedCallers maps broker operation names to the caller identities
	// permitted to invoke them. The "*" key is the fallback list.
	AllowedCallers map[string][]string `json:"allowedCallers,omitempty"`

	// AttemptTimeoutSeconds bounds one transport attempt.
	AttemptTimeoutSeconds int `json:"attemptTimeoutSeconds,omitempty"`
}

// Migration configures the one-shot legacy cache translation.
type Migration struct {
	Enabled *bool `json:"enabled,omitempty"` // default: true

	// LegacyPath is the file holding the legacy single-blob cache.
	LegacyPath string `json:"legacyPath,omitempty"`
}
