package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diagnosis/garage-gate/internal/dispatch"
	"github.com/diagnosis/garage-gate/internal/gate"
	"github.com/diagnosis/garage-gate/internal/geo"
	"github.com/diagnosis/garage-gate/internal/line"
	"github.com/diagnosis/garage-gate/internal/membership"
	"github.com/diagnosis/garage-gate/internal/ratelimit"
	"github.com/diagnosis/garage-gate/internal/store"
	"github.com/diagnosis/garage-gate/pkg/config"
	"github.com/diagnosis/garage-gate/pkg/database"
	"github.com/diagnosis/garage-gate/pkg/logger"
)

const membershipCacheTTL = 30 * time.Second

type dependencies struct {
	store       store.Store
	userLimiter ratelimit.Limiter
	ipLimiter   ratelimit.Limiter
	members     membership.Source
	messenger   gate.Messenger
	dispatcher  *dispatch.Dispatcher

	pool *pgxpool.Pool
}

// Close releases connections. The Redis store owns its client.
func (d *dependencies) Close() {
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

func wire(ctx context.Context, cfg *config.Config) (*dependencies, error) {
	d := &dependencies{}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	if err := d.wireState(ctx, cfg); err != nil {
		return nil, err
	}
	if err := d.wireMembers(ctx, cfg); err != nil {
		return nil, err
	}
	if err := d.wireDispatcher(cfg); err != nil {
		return nil, err
	}
	if err := d.wireMessenger(cfg); err != nil {
		return nil, err
	}

	ok = true
	return d, nil
}

func (d *dependencies) wireState(ctx context.Context, cfg *config.Config) error {
	userCfg := ratelimit.Config{Window: cfg.RateLimit.Window, PerKey: cfg.RateLimit.PerUser, Global: cfg.RateLimit.Global}
	ipCfg := ratelimit.Config{Window: cfg.RateLimit.PerIPWindow, PerKey: cfg.RateLimit.PerIP}

	switch cfg.Store.Backend {
	case "memory":
		d.store = store.NewMemory()
		d.userLimiter = ratelimit.NewMemory(userCfg, nil)
		d.ipLimiter = ratelimit.NewMemory(ipCfg, nil)
	case "redis":
		client, err := database.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		d.store = store.NewRedis(client, cfg.Redis.Prefix)
		d.userLimiter = ratelimit.NewRedis(client, cfg.Redis.Prefix, userCfg, nil)
		d.ipLimiter = ratelimit.NewRedis(client, cfg.Redis.Prefix+"ip:", ipCfg, nil)
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.Store.Backend)
	}
	return nil
}

func (d *dependencies) wireMembers(ctx context.Context, cfg *config.Config) error {
	switch cfg.Gate.MembersSource {
	case "static":
		if len(cfg.Gate.AllowedUsers) == 0 {
			logger.Warn("ALLOWED_USERS is empty, every user will be rejected")
		}
		d.members = membership.Static(cfg.Gate.AllowedUsers)
	case "postgres":
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		d.pool = pool
		pg := membership.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		d.members = membership.NewCached(pg, membershipCacheTTL)
	default:
		return fmt.Errorf("unknown MEMBERS_SOURCE %q", cfg.Gate.MembersSource)
	}
	return nil
}

// commandTLS returns the broker TLS policy. Only COMMAND_INSECURE turns it off.
func commandTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.Command.Insecure {
		logger.Warn("COMMAND_INSECURE set, broker connection is not encrypted",
			"transport", cfg.Command.Transport)
		return nil, nil
	}
	return dispatch.LoadTLSConfig(cfg.Command.CAFile)
}

func (d *dependencies) wireDispatcher(cfg *config.Config) error {
	tlsCfg, err := commandTLS(cfg)
	if err != nil {
		return err
	}

	var transport dispatch.Transport
	switch cfg.Command.Transport {
	case "mqtt":
		transport = dispatch.NewMQTT(dispatch.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			Port:           cfg.MQTT.Port,
			Topic:          cfg.MQTT.Topic,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.Command.Username,
			Password:       cfg.Command.Password,
			TLS:            tlsCfg,
			ConnectTimeout: cfg.Command.ConnectTimeout,
			AckTimeout:     cfg.Command.AckTimeout,
		})
	case "nats":
		transport = dispatch.NewNATS(dispatch.NATSConfig{
			URL:            cfg.NATS.URL,
			Subject:        cfg.NATS.Subject,
			Stream:         cfg.NATS.Stream,
			Username:       cfg.Command.Username,
			Password:       cfg.Command.Password,
			TLS:            tlsCfg,
			ConnectTimeout: cfg.Command.ConnectTimeout,
			AckTimeout:     cfg.Command.AckTimeout,
		})
	default:
		return fmt.Errorf("unknown COMMAND_TRANSPORT %q", cfg.Command.Transport)
	}

	d.dispatcher = dispatch.New(transport, dispatch.Config{
		MaxAttempts:    cfg.Command.MaxAttempts,
		RetryDelay:     cfg.Command.RetryDelay,
		AttemptTimeout: cfg.Command.AttemptTimeout,
	})
	return nil
}

func (d *dependencies) wireMessenger(cfg *config.Config) error {
	if cfg.LINE.ChannelToken == "" {
		logger.Warn("LINE_CHANNEL_ACCESS_TOKEN not set, using dev messenger")
		d.messenger = line.NewDevMessenger()
		return nil
	}
	client, err := line.NewClient(cfg.LINE.ChannelToken)
	if err != nil {
		return err
	}
	d.messenger = client
	return nil
}

func fence(g config.GeoConfig) geo.Fence {
	return geo.Fence{
		Center:             geo.Point{Lat: g.Lat, Lng: g.Lng},
		MaxDistanceKm:      g.MaxDistanceKm,
		AccuracyThresholdM: g.AccuracyThresholdM,
	}
}
