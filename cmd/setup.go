package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"authcore/internal/broker"
	"authcore/internal/cache"
	"authcore/internal/config"
	"authcore/internal/controller"
	"authcore/internal/oauth"
	"authcore/internal/telemetry"
)

// engine bundles the wired-up components one command invocation needs.
type engine struct {
	cfg        config.Config
	controller *controller.Controller
	emitter    *telemetry.Emitter

	closers []func() error
}

func (e *engine) Close() {
	if e.emitter != nil {
		e.emitter.Close()
	}
	for _, close := range e.closers {
		_ = close()
	}
}

// buildEngine loads configuration and assembles storage, cache, protocol
// engine, optional broker coordinator and the controller.
func buildEngine() (*engine, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg}

	store, err := buildStorage(cfg.Storage, e)
	if err != nil {
		return nil, err
	}
	tokenCache := cache.NewTokenCache(store)

	strategy, err := oauth.NewStrategy(oauth.Authority{
		Type:        cfg.Authority.Type,
		Environment: cfg.Authority.Environment,
		Realm:       cfg.Authority.Realm,
		Policy:      cfg.Authority.Policy,
	}, oauth.NewClient(oauth.WithRetries(2)))
	if err != nil {
		return nil, err
	}

	e.emitter = telemetry.NewEmitter(nil)
	opts := []controller.Option{controller.WithTelemetry(e.emitter)}

	if cfg.Broker.Enabled {
		coordinator, err := buildCoordinator(cfg.Broker)
		if err != nil {
			return nil, err
		}
		opts = append(opts, controller.WithBroker(coordinator, cfg.Broker.CallerID))
	}

	e.controller = controller.New(tokenCache, strategy, opts...)
	return e, nil
}

func buildStorage(cfg config.StorageConfig, e *engine) (cache.Storage, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return cache.NewMemoryStorage(), nil

	case config.StorageFile:
		keyHex := os.Getenv(config.CacheKeyEnvVar)
		if keyHex == "" {
			return nil, fmt.Errorf("%s must hold the hex-encoded cache encryption key for the file backend", config.CacheKeyEnvVar)
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", config.CacheKeyEnvVar, err)
		}
		store, err := cache.NewFileStorage(cfg.Path, key)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, store.Close)
		return store, nil

	case config.StorageKeyring:
		return cache.NewKeyringStorage(cfg.KeyringService, cfg.KeyringUser), nil

	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		e.closers = append(e.closers, client.Close)
		return cache.NewRedisStorage(client, cfg.RedisHashKey), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func buildCoordinator(cfg config.BrokerConfig) (*broker.Coordinator, error) {
	var transports []broker.Transport
	for _, kind := range cfg.Transports {
		switch kind {
		case "unix-socket":
			transports = append(transports, broker.UnixSocketTransport(cfg.SocketPath))
		case "dbus":
			transports = append(transports, broker.DBusTransport(cfg.DBusName, cfg.DBusObjectPath, cfg.DBusInterface))
		default:
			return nil, fmt.Errorf("unknown broker transport %q", kind)
		}
	}

	validator := broker.NewCallValidator(cfg.AllowedCallers)
	var opts []broker.CoordinatorOption
	if cfg.AttemptTimeoutSeconds > 0 {
		opts = append(opts, broker.WithAttemptTimeout(time.Duration(cfg.AttemptTimeoutSeconds)*time.Second))
	}
	return broker.NewCoordinator(validator, transports, opts...), nil
}
