package main

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/japinder12/snapvault/pkg/artifact"
	"github.com/japinder12/snapvault/pkg/config"
	"github.com/japinder12/snapvault/pkg/lock"
	"github.com/japinder12/snapvault/pkg/records"
	"github.com/japinder12/snapvault/pkg/snapshot"
)

// app is everything a command needs, built once flags are parsed.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	records  *records.Store
	service  *snapshot.Service
	lock     lock.Locker
	registry *prometheus.Registry
}

func newApp(v *viper.Viper, cfgFile string) (*app, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.DefaultPasswordInUse {
		logger.Warn("using the default encryption password; set SNAPVAULT_PASSWORD")
	}

	store, err := records.Open(records.Options{Path: cfg.Database, LogLevel: "silent"}, logger)
	if err != nil {
		return nil, errors.Annotate(err, "opening records store")
	}
	arts, err := artifact.Open(cfg.BackupDir)
	if err != nil {
		_ = store.Close()
		return nil, errors.Trace(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := snapshot.NewService(snapshot.Config{
		Records:         store,
		Artifacts:       arts,
		Registry:        snapshot.DefaultRegistry(),
		Password:        cfg.Password,
		Logger:          logger,
		Clock:           clock.WallClock,
		Metrics:         snapshot.NewMetrics(reg),
		ReadConcurrency: cfg.ReadConcurrency,
	})
	if err != nil {
		_ = store.Close()
		return nil, errors.Trace(err)
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		records:  store,
		service:  svc,
		lock:     lock.NewMachineLock(lock.DefaultName, clock.WallClock, cfg.LockTimeout),
		registry: reg,
	}, nil
}

func (a *app) Close() {
	if err := a.records.Close(); err != nil {
		a.logger.Warn("closing records store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withApp builds the app for the duration of one command.
func withApp(v *viper.Viper, cfgFile *string, run func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(v, *cfgFile)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, args, a)
	}
}
