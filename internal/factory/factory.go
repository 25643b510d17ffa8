package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"qrorder-auth/internal/audit"
	"qrorder-auth/internal/bucketing"
	"qrorder-auth/internal/client"
	"qrorder-auth/internal/config"
	"qrorder-auth/internal/credential"
	"qrorder-auth/internal/encryption"
	"qrorder-auth/internal/events"
	"qrorder-auth/internal/handler"
	"qrorder-auth/internal/hashing"
	"qrorder-auth/internal/messaging"
	"qrorder-auth/internal/repository/memory"
	"qrorder-auth/internal/repository/redis"
	"qrorder-auth/internal/repository/scylla"
	"qrorder-auth/internal/service"
	"qrorder-auth/internal/tls"
	"qrorder-auth/internal/util"
)

const dispatchTimeout = 10 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	recorder       *audit.Recorder
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.IsProduction())
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeServices(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage_backend", cfg.Storage.Backend),
		util.String("customer_directory", cfg.Storage.Customers),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
	)

	return factory, nil
}

// initializeClients connects the backends the configuration selects. Stores
// the service cannot run without fail startup; audit sinks only warn
// outside production.
func (f *Factory) initializeClients() error {
	cfg := f.config
	var initErrors []error

	if cfg.Storage.Backend == "redis" {
		c, err := client.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		util.Info("Redis client initialized and healthy")
	}

	if cfg.Storage.Customers == "scylla" {
		c, err := scylla.NewScyllaClient(cfg.Scylla)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
	}

	if cfg.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		f.kafkaProducer = producer
	}

	if cfg.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(cfg.Elasticsearch, cfg.IsDevelopment()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
		}
	}

	if cfg.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(cfg.Clickhouse, cfg.IsProduction()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(initErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	cfg := f.config
	f.hasher = hashing.NewHasher(cfg.Hashing)

	var kmsClient encryption.KMSAPI
	if cfg.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := encryption.NewKMSClient(ctx, cfg.KMS)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsClient = c
	}

	f.encryptionManager = encryption.NewEncryptionManager(cfg.KMS, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(cfg.Bucketing)

	util.Info("Managers initialized successfully",
		util.Bool("kms_enabled", kmsClient != nil),
		util.Int("customer_buckets", f.bucketingManager.CustomerBuckets()),
		util.Int("event_buckets", f.bucketingManager.EventBuckets()),
	)
	return nil
}

func (f *Factory) stores() service.Stores {
	var stores service.Stores
	if f.redisClient != nil {
		stores = service.Stores{
			Sessions:     redis.NewSessionCache(f.redisClient),
			Fingerprints: redis.NewFingerprintCache(f.redisClient),
			Tokens:       redis.NewTokenCache(f.redisClient),
			RateLimits:   redis.NewRateLimitCache(f.redisClient),
			Carts:        redis.NewCartCache(f.redisClient),
		}
	} else {
		stores = service.Stores{
			Sessions:     memory.NewSessionStore(),
			Fingerprints: memory.NewFingerprintStore(),
			Tokens:       memory.NewTokenStore(),
			RateLimits:   memory.NewRateLimitStore(),
			Carts:        memory.NewCartStore(),
		}
	}

	if f.scyllaClient != nil {
		stores.Customers = scylla.NewCustomerRepository(f.scyllaClient, f.hasher, f.encryptionManager, f.bucketingManager)
	} else {
		stores.Customers = memory.NewCustomerDirectory()
	}
	return stores
}

func (f *Factory) initializeServices() error {
	cfg := f.config
	clock := util.RealClock{}

	var sinks []audit.Sink
	if f.clickhouseClient != nil {
		sink := audit.NewClickHouseSink(f.clickhouseClient)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sink.EnsureSchema(ctx)
		cancel()
		if err != nil {
			util.Warn("ClickHouse audit schema unavailable - sink disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, sink)
		}
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, cfg.Elasticsearch.Index))
	}
	f.recorder = audit.NewRecorder(f.bucketingManager, clock, sinks...)

	var (
		gateway   messaging.Gateway = messaging.LogGateway{}
		publisher events.Publisher  = events.NopPublisher{}
	)
	if f.kafkaProducer != nil {
		gateway = messaging.NewKafkaGateway(f.kafkaProducer, cfg.Kafka.WhatsAppTopic)
		publisher = events.NewKafkaPublisher(f.kafkaProducer, cfg.Kafka.EventsTopic)
	}

	issuer, err := credential.NewIssuer(cfg.Auth, clock)
	if err != nil {
		return err
	}

	f.serviceFactory = service.NewServiceFactory(f.stores(), service.Dependencies{
		Hasher:     f.hasher,
		Issuer:     issuer,
		Dispatcher: messaging.NewDispatcher(gateway, dispatchTimeout),
		Publisher:  publisher,
		Recorder:   f.recorder,
		Policy:     cfg.Policy,
		Auth:       cfg.Auth,
		Clock:      clock,
	})

	// Surface construction errors at startup rather than on first request.
	if _, err := f.serviceFactory.AuthService(); err != nil {
		return err
	}

	util.Info("Services initialized",
		util.Int("audit_sinks", len(sinks)),
		util.Bool("kafka_messaging", f.kafkaProducer != nil),
	)
	return nil
}

// HealthCheckers returns a checker per connected backend.
func (f *Factory) HealthCheckers() map[string]handler.HealthChecker {
	checks := make(map[string]handler.HealthChecker)
	if f.redisClient != nil {
		checks["redis"] = f.redisClient
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient
	}
	checks["audit"] = handler.HealthCheckFunc(func(context.Context) error {
		if n := f.recorder.Pending(); n >= audit.MaxBuffered {
			return fmt.Errorf("audit buffer full (%d events)", n)
		}
		return nil
	})
	return checks
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.recorder != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.recorder.Flush(ctx); err != nil {
				util.Error("Failed to flush audit events", util.ErrorField(err))
			}
			cancel()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Recorder() *audit.Recorder {
	return f.recorder
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}
