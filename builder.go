package goThreeDS

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	internalaudit "github.com/MrEthical07/goThreeDS/internal/audit"
	"github.com/MrEthical07/goThreeDS/internal/rate"
	"github.com/MrEthical07/goThreeDS/internal/remote"
	"github.com/MrEthical07/goThreeDS/internal/signal"
	"github.com/MrEthical07/goThreeDS/internal/stores"
	"github.com/MrEthical07/goThreeDS/jwt"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an Engine. A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	logger *zap.Logger

	auditSink AuditSink
	tlsConfig *tls.Config
	clock     func() time.Time

	built bool
}

// New describes the new operation and its observable behavior.
//
// New starts from DefaultConfig. Build fails until a Redis client and the
// required configuration are supplied.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used for snapshots, rate limits and the
// notification relay.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the engine logger. The default discards everything.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithTLSConfig overrides the client TLS configuration for the 3DS server.
// It takes precedence over Server.CertFile/KeyFile/CAFile.
func (b *Builder) WithTLSConfig(cfg *tls.Config) *Builder {
	b.tlsConfig = cfg
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

func (b *Builder) withClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// Build describes the build operation and its observable behavior.
//
// Build validates the configuration, connects nothing eagerly, and returns
// an Engine whose background workers stop on Close.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// -------- 3DS SERVER CLIENT --------
	tlsConfig := b.tlsConfig
	if tlsConfig == nil && cfg.Server.CertFile != "" {
		loaded, err := remote.LoadTLSConfig(cfg.Server.CertFile, cfg.Server.KeyFile, cfg.Server.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig = loaded
	}
	client, err := remote.New(remote.Config{
		BaseURL:             cfg.Server.BaseURL,
		InitPath:            cfg.Server.InitPath,
		ResultPath:          cfg.Server.ResultPath,
		ChallengeStatusPath: cfg.Server.ChallengeStatusPath,
		Timeout:             cfg.Server.Timeout,
		TLS:                 tlsConfig,
	})
	if err != nil {
		return nil, err
	}

	// -------- NOTIFICATION TOKENS --------
	tokens, err := jwt.NewManager(jwt.Config{
		TTL:           cfg.Notification.TokenTTL,
		SigningMethod: jwt.SigningMethod(cfg.Notification.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Notification.PrivateKey),
		PublicKey:     cloneBytes(cfg.Notification.PublicKey),
		Issuer:        cfg.Notification.Issuer,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine := &Engine{
		config:      cloneConfig(cfg),
		logger:      logger,
		client:      client,
		tokens:      tokens,
		store:       stores.NewTransactionStore(b.redis, cfg.Store.RedisPrefix),
		hub:         signal.NewHub[Notification](),
		metrics:     NewMetrics(cfg.Metrics),
		now:         time.Now,
		active:      make(map[string]*registryEntry),
		byRequestor: make(map[string]string),
		ctx:         ctx,
		cancel:      cancel,
	}
	if b.clock != nil {
		engine.now = b.clock
	}

	engine.limiter = rate.New(b.redis, rate.Config{
		Prefix:              cfg.Store.RedisPrefix + ":rl",
		MaxActionsPerWindow: cfg.RateLimit.MaxActionsPerWindow,
		ActionWindow:        cfg.RateLimit.ActionWindow,
		MaxNotifications:    cfg.RateLimit.MaxNotifications,
		NotificationWindow:  cfg.RateLimit.NotificationWindow,
	})

	if cfg.Store.RelayEnabled {
		engine.relay = signal.NewRelay(b.redis, cfg.Store.RedisPrefix+":sig", engine.hub, encodeNotification, decodeNotification)
		engine.relay.OnDrop(func(key string, err error) {
			engine.metricInc(MetricNotificationUndelivered)
			logger.Debug("relayed notification dropped", zap.String("server_trans_id", key), zap.Error(err))
		})
	}

	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		OnDrop: func(event internalaudit.Event) {
			logger.Debug("audit event dropped",
				zap.String("event", event.EventType),
				zap.String("server_trans_id", event.ServerTransID),
			)
		},
	}, b.auditSink)

	b.built = true

	return engine, nil
}
