// Package di wires the kernel together: configuration, logging,
// observability, the capability registry, the event bus, the save
// subsystem and the gameplay services, in that order. Construction is
// explicit so the dependency order is readable top to bottom.
package di

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"noirdesk/internal/audio"
	"noirdesk/internal/bootstrap"
	"noirdesk/internal/config"
	"noirdesk/internal/diagnostics"
	"noirdesk/internal/events"
	"noirdesk/internal/game"
	"noirdesk/internal/persistence"
	"noirdesk/internal/registry"
	"noirdesk/pkg/observability"
)

// SaveServicePriority places the save subsystem after the bus and
// before gameplay services.
const SaveServicePriority = 10

// Container holds every constructed component and the order to tear
// them down in.
type Container struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *registry.Registry
	Bus      *events.Bus
	Metrics  *prometheus.Registry

	Store       persistence.SaveStore
	SaveService *persistence.Service
	Game        *game.Service
	Diagnostics *diagnostics.Service
	Sequencer   *bootstrap.Sequencer

	TracerProvider *observability.TracerProvider
	Watcher        *config.Watcher

	shutdownFunctions []func() error
}

// NewContainer builds the full component graph from the configuration
// file at configPath. Nothing is initialized yet; call Bootstrap to run
// the priority-ordered startup sequence.
func NewContainer(configPath string) (*Container, error) {
	start := time.Now()
	c := &Container{
		shutdownFunctions: make([]func() error, 0),
	}

	if err := c.initializeConfig(configPath); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := c.initializeLogger(); err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	c.initializeObservability()
	c.initializeRegistryAndBus()
	if err := c.initializeStores(); err != nil {
		return nil, fmt.Errorf("failed to initialize save stores: %w", err)
	}
	if err := c.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	c.initializeWatcher(configPath)

	c.Logger.Info("container constructed",
		zap.Duration("elapsed", time.Since(start)),
		zap.String("environment", string(c.Config.Environment)),
		zap.Bool("cloudSaves", c.Config.Cloud.Enabled),
		zap.Bool("diagnostics", c.Config.Diagnostics.Enabled))
	return c, nil
}

// Bootstrap runs the priority-ordered initialization pass over every
// registered service.
func (c *Container) Bootstrap(ctx context.Context) (bootstrap.Report, error) {
	return c.Sequencer.Run(ctx)
}

func (c *Container) initializeConfig(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	c.Config = cfg
	return nil
}

func (c *Container) initializeLogger() error {
	var (
		logger *zap.Logger
		err    error
	)
	if c.Config.Environment == config.Production {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return err
	}
	c.Logger = logger
	c.addShutdown(func() error {
		_ = logger.Sync()
		return nil
	})
	return nil
}

// initializeObservability sets up the metrics registry and, when
// enabled, trace export. A tracing failure is logged and startup
// continues without traces.
func (c *Container) initializeObservability() {
	c.Metrics = observability.NewRegistry()

	if !c.Config.Telemetry.TracingEnabled {
		return
	}
	tp, err := observability.InitTracing(observability.TracingConfig{
		ServiceName: "noirdesk",
		Environment: string(c.Config.Environment),
		Endpoint:    c.Config.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		c.Logger.Warn("tracing disabled", zap.Error(err))
		return
	}
	c.TracerProvider = tp
	c.addShutdown(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	})
}

func (c *Container) initializeRegistryAndBus() {
	c.Registry = registry.New(c.Logger)
	c.Bus = events.NewBus(c.Logger,
		events.WithQueueCapacity(c.Config.Events.QueueCapacity),
		events.WithMetrics(events.NewBusMetrics(c.Metrics)),
	)

	// The bus registers like any other service so the sequencer brings
	// it up first and flushes the pre-ready queue.
	mustRegister(c.Registry, c.Bus)
	mustRegister[prometheus.Gatherer](c.Registry, c.Metrics)
}

func (c *Container) initializeStores() error {
	local, err := persistence.NewLocalStore(
		c.Config.Game.SaveDir,
		c.Logger,
		c.Bus,
		persistence.WithLocalMetrics(persistence.NewStoreMetrics(c.Metrics)),
	)
	if err != nil {
		return err
	}

	if !c.Config.Cloud.Enabled {
		c.Store = local
	} else {
		api, err := c.dynamoClient()
		if err != nil {
			return err
		}
		c.Store = persistence.NewCloudSaveStore(api, persistence.CloudConfig{
			TableName:      c.Config.Cloud.TableName,
			Enabled:        true,
			BreakerTimeout: c.Config.Cloud.BreakerTimeout,
		}, local, c.Logger, c.Bus)
	}

	mustRegister[persistence.SaveStore](c.Registry, c.Store)

	c.SaveService = persistence.NewService(SaveServicePriority, c.Logger, c.Registry, c.Bus, c.Store)
	mustRegister(c.Registry, c.SaveService)
	return nil
}

func (c *Container) dynamoClient() (*dynamodb.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(c.Config.Cloud.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		o.RetryMaxAttempts = 3
	}), nil
}

func (c *Container) initializeServices() error {
	notifier := audio.NewLogNotifier(c.Logger)
	mustRegister[audio.Notifier](c.Registry, notifier)

	c.Game = game.New(game.Options{
		AutosaveInterval: c.Config.Game.AutosaveInterval,
		AutosaveSlot:     c.Config.Game.AutosaveSlot,
	}, c.Logger, c.Registry, c.Bus)
	mustRegister(c.Registry, c.Game)
	c.addShutdown(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return c.Game.Shutdown(ctx)
	})

	c.Sequencer = bootstrap.New(c.Registry, c.Logger,
		bootstrap.WithServiceTimeout(c.Config.Bootstrap.ServiceTimeout))
	mustRegister[diagnostics.Reporter](c.Registry, c.Sequencer)

	if c.Config.Diagnostics.Enabled {
		c.Diagnostics = diagnostics.New(c.Config.Diagnostics.Addr, c.Logger, c.Registry, c.Bus)
		mustRegister(c.Registry, c.Diagnostics)
		c.addShutdown(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return c.Diagnostics.Shutdown(ctx)
		})
	}
	return nil
}

func (c *Container) initializeWatcher(configPath string) {
	if configPath == "" {
		return
	}
	w, err := config.NewWatcher(configPath, c.Logger, c.Bus, func(cfg *config.Config) {
		// Structural settings need a restart; only hot-safe ones apply live.
		c.Game.SetAutosaveInterval(cfg.Game.AutosaveInterval)
	})
	if err != nil {
		c.Logger.Warn("config watcher unavailable", zap.Error(err))
		return
	}
	w.Start()
	c.Watcher = w
	c.addShutdown(func() error {
		w.Stop()
		return nil
	})
}

func (c *Container) addShutdown(fn func() error) {
	c.shutdownFunctions = append(c.shutdownFunctions, fn)
}

// Shutdown tears components down in reverse construction order. All
// shutdown functions run; the first error is returned.
func (c *Container) Shutdown() error {
	var firstErr error
	for i := len(c.shutdownFunctions) - 1; i >= 0; i-- {
		if err := c.shutdownFunctions[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func mustRegister[T any](r *registry.Registry, instance T) {
	if err := registry.Register[T](r, instance); err != nil {
		panic(fmt.Sprintf("registering %T: %v", instance, err))
	}
}
