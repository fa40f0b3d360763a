package config

import "fmt"

// Validate checks the configuration for values the engine cannot act on.
func (c *Config) Validate() error {
	switch c.Authority.Type {
	case "AAD", "aad", "B2C", "b2c", "ADFS", "adfs":
	default:
		return fmt.Errorf("unknown authority type %q", c.Authority.Type)
	}
	if c.Authority.Environment == "" {
		return fmt.Errorf("authority.environment is required")
	}
	if c.Authority.Type == "B2C" || c.Authority.Type == "b2c" {
		if c.Authority.Policy == "" {
			return fmt.Errorf("authority.policy is required for B2C authorities")
		}
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageKeyring:
	case StorageFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the file backend")
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redisAddr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Broker.Enabled {
		if len(c.Broker.Transports) == 0 {
			return fmt.Errorf("broker.transports must name at least one transport when the broker is enabled")
		}
		for _, transport := range c.Broker.Transports {
			switch transport {
			case "unix-socket", "dbus":
			default:
				return fmt.Errorf("unknown broker transport %q", transport)
			}
		}
		if c.Broker.CallerID == "" {
			return fmt.Errorf("broker.callerId is required when the broker is enabled")
		}
	}

	return nil
}

// MigrationEnabled resolves the tri-state migration flag.
func (c *Config) MigrationEnabled() bool {
	if c.Migration.Enabled == nil {
		return true
	}
	return *c.Migration.Enabled
}
