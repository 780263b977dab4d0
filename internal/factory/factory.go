package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"portal-auth/internal/audit"
	"portal-auth/internal/bucketing"
	"portal-auth/internal/client"
	"portal-auth/internal/config"
	"portal-auth/internal/encryption"
	"portal-auth/internal/hashing"
	"portal-auth/internal/mailer"
	redisrepo "portal-auth/internal/repository/redis"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/service"
	"portal-auth/internal/tenant"
	"portal-auth/internal/tls"
	"portal-auth/internal/token"
	"portal-auth/internal/totp"
	"portal-auth/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

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
	tokenManager      *token.Manager
	totpGenerator     *totp.Generator
	tenantDirectory   *tenant.Directory
	mailerClient      *mailer.Mailer
	auditRecorder     *audit.Recorder

	// Repositories
	identityRepository scylla.IdentityStore
	pendingRepository  scylla.PendingAuthStore
	sessionRepository  scylla.SessionStore
	resetRepository    scylla.ResetTokenStore
	lockoutCache       *redisrepo.LockoutCache
	sessionCache       *redisrepo.SessionCache

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if client, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = client
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if client, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = client
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka is best-effort: the audit stream degrades, auth does not
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if client, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = client
		if err := f.esClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if client, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = client
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes the crypto, routing, and pipeline managers
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Error("Failed to load AWS config, falling back to local encryption keys",
				util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
			util.Info("KMS client initialized", util.String("region", f.config.KMS.Region))
		}
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.tenantDirectory = tenant.NewDirectory()
	f.totpGenerator = totp.NewGenerator(f.config)
	f.mailerClient = mailer.NewMailer(f.config)

	tokenManager, err := token.NewManager(f.config)
	if err != nil {
		util.Fatal("Failed to initialize token manager", util.ErrorField(err))
	}
	f.tokenManager = tokenManager

	f.auditRecorder = audit.NewRecorder(
		f.config,
		f.kafkaProducer,
		f.clickhouseClient,
		f.esClient,
		f.bucketingManager,
		util.Get(),
	)

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("token_initialized", f.tokenManager != nil),
	)
}

// ==============================
// Repository Initialization
// ==============================

func (f *Factory) IdentityRepository() scylla.IdentityStore {
	if f.identityRepository == nil {
		f.identityRepository = scylla.NewIdentityRepository(f.ScyllaClient(), util.Get())
	}
	return f.identityRepository
}

func (f *Factory) PendingAuthRepository() scylla.PendingAuthStore {
	if f.pendingRepository == nil {
		f.pendingRepository = scylla.NewPendingAuthRepository(f.ScyllaClient(), util.Get())
	}
	return f.pendingRepository
}

func (f *Factory) SessionRepository() scylla.SessionStore {
	if f.sessionRepository == nil {
		f.sessionRepository = scylla.NewSessionRepository(f.ScyllaClient(), f.BucketingManager(), util.Get())
	}
	return f.sessionRepository
}

func (f *Factory) ResetTokenRepository() scylla.ResetTokenStore {
	if f.resetRepository == nil {
		f.resetRepository = scylla.NewResetTokenRepository(f.ScyllaClient(), util.Get())
	}
	return f.resetRepository
}

func (f *Factory) LockoutCache() *redisrepo.LockoutCache {
	if f.lockoutCache == nil {
		f.lockoutCache = redisrepo.NewLockoutCache(f.redisClient)
	}
	return f.lockoutCache
}

func (f *Factory) SessionCache() *redisrepo.SessionCache {
	if f.sessionCache == nil {
		f.sessionCache = redisrepo.NewSessionCache(f.redisClient)
	}
	return f.sessionCache
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.IdentityRepository(),
			f.PendingAuthRepository(),
			f.SessionRepository(),
			f.ResetTokenRepository(),
			f.LockoutCache(),
			f.SessionCache(),
			f.Hasher(),
			f.EncryptionManager(),
			f.TOTPGenerator(),
			f.TokenManager(),
			f.TenantDirectory(),
			f.Mailer(),
			f.AuditRecorder(),
			f.config,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// AggregateHealth runs the core checks in parallel and fails if any
// auth-critical dependency is down. The audit sinks degrade gracefully
// and do not fail the check.
func (f *Factory) AggregateHealth(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if f.redisClient == nil {
			return fmt.Errorf("redis client not initialized")
		}
		return f.redisClient.HealthCheck(ctx)
	})

	g.Go(func() error {
		if f.scyllaClient == nil {
			return fmt.Errorf("scylla client not initialized")
		}
		return f.scyllaClient.HealthCheck()
	})

	return g.Wait()
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return f.AggregateHealth(ctx) == nil
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Flush buffered audit events before the sinks close
		if f.auditRecorder != nil {
			f.auditRecorder.Close()
			util.Info("Audit recorder flushed and stopped")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
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
			util.Info("ScyllaDB client closed")
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

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

// ==============================
// Getters
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}

func (f *Factory) TokenManager() *token.Manager {
	return f.tokenManager
}

func (f *Factory) TOTPGenerator() *totp.Generator {
	return f.totpGenerator
}

func (f *Factory) TenantDirectory() *tenant.Directory {
	return f.tenantDirectory
}

func (f *Factory) Mailer() *mailer.Mailer {
	return f.mailerClient
}

func (f *Factory) AuditRecorder() *audit.Recorder {
	return f.auditRecorder
}
