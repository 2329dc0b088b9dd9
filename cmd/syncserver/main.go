package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/synckit/syncserver/config"
	"github.com/synckit/syncserver/document"
	"github.com/synckit/syncserver/metrics"
	"github.com/synckit/syncserver/pubsub"
	"github.com/synckit/syncserver/server"
	"github.com/synckit/syncserver/storage"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

func initLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}
	lvl, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	}
	log.SetLevel(lvl)
}

// appConfig is the top-level configuration object of a syncserver process.
var appConfig = new(struct {
	Serve struct {
		Addr string `long:"addr" env:"ADDR" default:":8080" description:"HTTP listen address"`
	} `group:"Serve" namespace:"serve" env-namespace:"SERVE"`

	Auth struct {
		Disabled    bool          `long:"disabled" env:"DISABLED" description:"Accept every connection as an anonymous admin (testing only)"`
		JWTSecret   string        `long:"jwt-secret" env:"JWT_SECRET" description:"HMAC secret for bearer tokens"`
		JWTIssuer   string        `long:"jwt-issuer" env:"JWT_ISSUER" description:"Expected JWT issuer claim"`
		JWTAudience string        `long:"jwt-audience" env:"JWT_AUDIENCE" description:"Expected JWT audience claim"`
		TokenTTL    time.Duration `long:"token-ttl" env:"TOKEN_TTL" default:"15m" description:"Access token lifetime"`
	} `group:"Auth" namespace:"auth" env-namespace:"AUTH"`

	Conn struct {
		MaxConnections    int           `long:"max-connections" env:"MAX_CONNECTIONS" default:"10000" description:"Connection cap, must be positive"`
		HeartbeatInterval time.Duration `long:"heartbeat-interval" env:"HEARTBEAT_INTERVAL" default:"30s"`
		HeartbeatTimeout  time.Duration `long:"heartbeat-timeout" env:"HEARTBEAT_TIMEOUT" default:"10s"`
	} `group:"Connections" namespace:"conn" env-namespace:"CONN"`

	Sync struct {
		BatchWindow    time.Duration `long:"batch-window" env:"BATCH_WINDOW" default:"50ms"`
		AckTimeout     time.Duration `long:"ack-timeout" env:"ACK_TIMEOUT" default:"5s"`
		MaxAckAttempts int           `long:"max-ack-attempts" env:"MAX_ACK_ATTEMPTS" default:"3"`
		DeltaLogLimit  int           `long:"delta-log-limit" env:"DELTA_LOG_LIMIT" default:"10000"`
	} `group:"Sync" namespace:"sync" env-namespace:"SYNC"`

	Awareness struct {
		TTL             time.Duration `long:"ttl" env:"TTL" default:"30s"`
		ReaperInterval  time.Duration `long:"reaper-interval" env:"REAPER_INTERVAL" default:"30s"`
	} `group:"Awareness" namespace:"awareness" env-namespace:"AWARENESS"`

	Storage struct {
		DatabaseURL string `long:"database-url" env:"DATABASE_URL" description:"SQLite DSN; empty runs without a persister"`
	} `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`

	PubSub struct {
		EtcdEndpoints []string `long:"etcd-endpoint" env:"ETCD_ENDPOINTS" env-delim:"," description:"etcd endpoints; empty selects the in-memory bus"`
		ChannelPrefix string   `long:"channel-prefix" env:"CHANNEL_PREFIX" default:"synckit:"`
	} `group:"PubSub" namespace:"pubsub" env-namespace:"PUBSUB"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	initLog(appConfig.Log)
	log.WithField("config", appConfig).Info("syncserver configuration")

	cfg := config.Default()
	cfg.AuthRequired = !appConfig.Auth.Disabled
	cfg.JWTSecret = []byte(appConfig.Auth.JWTSecret)
	cfg.JWTIssuer = appConfig.Auth.JWTIssuer
	cfg.JWTAudience = appConfig.Auth.JWTAudience
	cfg.AccessTokenTTL = appConfig.Auth.TokenTTL
	cfg.MaxConnections = appConfig.Conn.MaxConnections
	cfg.HeartbeatInterval = appConfig.Conn.HeartbeatInterval
	cfg.HeartbeatTimeout = appConfig.Conn.HeartbeatTimeout
	cfg.BatchWindow = appConfig.Sync.BatchWindow
	cfg.AckTimeout = appConfig.Sync.AckTimeout
	cfg.MaxAckAttempts = appConfig.Sync.MaxAckAttempts
	cfg.DeltaLogLimit = appConfig.Sync.DeltaLogLimit
	cfg.AwarenessTTL = appConfig.Awareness.TTL
	cfg.AwarenessReaperInterval = appConfig.Awareness.ReaperInterval
	cfg.DatabaseURL = appConfig.Storage.DatabaseURL
	cfg.EtcdEndpoints = appConfig.PubSub.EtcdEndpoints
	cfg.PubSubChannelPrefix = appConfig.PubSub.ChannelPrefix

	if err := cfg.Validate(); err != nil {
		log.WithField("err", err).Fatal("invalid configuration")
	}

	logEntry := log.WithField("component", "syncserver")
	registerer := prometheus.DefaultRegisterer
	mt := metrics.New(registerer)

	var persister document.Persister
	if cfg.DatabaseURL != "" {
		sqlite, err := storage.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			log.WithField("err", err).Fatal("opening sqlite storage")
		}
		persister = sqlite
	}

	var bus pubsub.Bus
	if len(cfg.EtcdEndpoints) > 0 {
		etcdBus, err := pubsub.NewEtcd(cfg.EtcdEndpoints, cfg.PubSubChannelPrefix, mt, logEntry)
		if err != nil {
			log.WithField("err", err).Fatal("dialing etcd pubsub")
		}
		bus = etcdBus
	}

	srv := server.New(cfg, bus, persister, logEntry, mt)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	log.WithField("addr", appConfig.Serve.Addr).Info("starting syncserver")
	if err := srv.Run(ctx, appConfig.Serve.Addr); err != nil {
		log.WithField("err", err).Error("syncserver exited with error")
		return err
	}
	log.Info("goodbye")
	return nil
}

func main() {
	parser := flags.NewParser(appConfig, flags.Default)
	if _, err := parser.AddCommand("serve", "Serve as a synckit sync server", `
Serve the real-time collaborative sync server until signaled to exit
(via SIGTERM or SIGINT).
`, &cmdServe{}); err != nil {
		log.WithField("err", err).Fatal("registering serve command")
	}

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
