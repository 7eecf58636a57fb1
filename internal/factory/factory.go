package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payment-otp-service/internal/audit"
	"payment-otp-service/internal/bridge"
	"payment-otp-service/internal/bucketing"
	"payment-otp-service/internal/client"
	"payment-otp-service/internal/config"
	"payment-otp-service/internal/encryption"
	"payment-otp-service/internal/otp"
	"payment-otp-service/internal/policy"
	redisrepo "payment-otp-service/internal/repository/redis"
	"payment-otp-service/internal/repository/scylla"
	"payment-otp-service/internal/service"
	"payment-otp-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	obfuscator       *encryption.CodeObfuscator
	bucketingManager *bucketing.Manager
	generator        *otp.Generator
	policyEngine     *policy.Engine

	// Repositories and services
	otpRepository   scylla.RecordStore
	issueGuard      *redisrepo.IssueGuard
	recorder        *audit.Recorder
	otpService      *service.OTPService
	dashboardBridge *bridge.DashboardBridge

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
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
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka is optional: lifecycle events degrade to logs without it
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = esClient
		util.Info("Elasticsearch client initialized and healthy")
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	// KMS
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("kms: %w", err))
		} else {
			f.kmsClient = kms.NewFromConfig(awsCfg)
			util.Info("KMS client initialized", util.String("region", f.config.KMS.Region))
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

// initializeManagers initializes the obfuscator, bucketing, generator and policy engine
func (f *Factory) initializeManagers() {
	f.obfuscator = encryption.NewCodeObfuscator(f.config, f.kmsClient)
	f.bucketingManager = bucketing.NewManager(f.config)
	f.generator = otp.NewGenerator(f.config.OTP.CodeLength)
	f.policyEngine = policy.NewEngine(
		f.config.OTP.MaxAttempts,
		f.config.OTP.CooldownPeriod,
		f.config.OTP.BreachThreshold,
	)

	util.Info("Managers initialized successfully",
		util.Bool("obfuscator_initialized", f.obfuscator != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
		util.Int("code_length", f.generator.Length()),
	)
}

func (f *Factory) OTPRepository() scylla.RecordStore {
	if f.otpRepository == nil {
		f.otpRepository = scylla.NewOTPRepository(
			f.scyllaClient,
			f.bucketingManager,
			util.Get(),
		)
	}
	return f.otpRepository
}

func (f *Factory) IssueGuard() *redisrepo.IssueGuard {
	if f.issueGuard == nil {
		f.issueGuard = redisrepo.NewIssueGuard(f.redisClient, f.config)
	}
	return f.issueGuard
}

// Recorder builds the best-effort observability fan-out. Missing sinks
// stay nil and are skipped at write time.
func (f *Factory) Recorder() *audit.Recorder {
	if f.recorder == nil {
		var attempts audit.AttemptSink
		var breaches audit.BreachSink
		var events audit.EventSink

		if f.clickhouseClient != nil {
			attempts = f.clickhouseClient
		}
		if f.esClient != nil {
			breaches = f.esClient
		}
		if f.kafkaProducer != nil {
			events = f.kafkaProducer
		}
		f.recorder = audit.NewRecorder(attempts, breaches, events)
	}
	return f.recorder
}

func (f *Factory) OTPService() *service.OTPService {
	if f.otpService == nil {
		f.otpService = service.NewOTPService(
			f.OTPRepository(),
			f.IssueGuard(),
			f.generator,
			f.obfuscator,
			f.policyEngine,
			f.Recorder(),
			f.config,
		)
	}
	return f.otpService
}

func (f *Factory) DashboardBridge() *bridge.DashboardBridge {
	if f.dashboardBridge == nil {
		f.dashboardBridge = bridge.NewDashboardBridge(f.OTPRepository(), f.obfuscator, f.config)
	}
	return f.dashboardBridge
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

// IsHealthy reports whether the critical dependencies are reachable.
// The observability sinks are excluded; the service runs without them.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	delete(healthErrors, "elasticsearch")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.obfuscator != nil {
			f.obfuscator.ClearCache()
			util.Info("Obfuscator key cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}
