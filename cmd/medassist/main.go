package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/medassist/internal/adherence"
	"github.com/gmsas95/medassist/internal/api"
	"github.com/gmsas95/medassist/internal/caregiver"
	"github.com/gmsas95/medassist/internal/channels/telegram"
	"github.com/gmsas95/medassist/internal/config"
	"github.com/gmsas95/medassist/internal/confirm"
	"github.com/gmsas95/medassist/internal/dispatch"
	"github.com/gmsas95/medassist/internal/inference"
	"github.com/gmsas95/medassist/internal/metrics"
	"github.com/gmsas95/medassist/internal/scheduler"
	"github.com/gmsas95/medassist/internal/store"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	dataDir    = flag.String("data", "", "Path to data directory")
	version    = "dev"
)

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting medassist", zap.String("version", version))

	cfg, err := config.Load(*configPath, *dataDir)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	loc := cfg.Location()

	st, err := store.New(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	m := metrics.New()
	oracle := inference.NewClient(cfg.Inference, logger)

	bot, err := telegram.NewBot(telegram.Config{
		Token:     cfg.Telegram.BotToken,
		AllowList: cfg.Telegram.AllowList,
	}, oracle, logger)
	if err != nil {
		logger.Fatal("failed to create telegram bot", zap.Error(err))
	}

	caregivers := caregiver.New(st, bot, m, logger)
	aggregator := adherence.NewAggregator(st, bot, m, logger)

	confirmTTL := time.Duration(cfg.Jobs.ConfirmTTL) * time.Minute
	dosageConfirms := confirm.NewStore(confirmTTL, m.PendingConfirms)
	importConfirms := confirm.NewStore(confirmTTL, m.PendingConfirms)

	dispatcher := dispatch.New(dispatch.Options{
		Store:          st,
		Oracle:         oracle,
		Messenger:      bot,
		Caregivers:     caregivers,
		Aggregator:     aggregator,
		DosageConfirms: dosageConfirms,
		ImportConfirms: importConfirms,
		Metrics:        m,
		Logger:         logger,
		Location:       loc,
		Snooze:         time.Duration(cfg.Jobs.SnoozeMinutes) * time.Minute,
	})
	bot.SetDispatcher(dispatcher)

	scanner := adherence.NewScanner(st, bot, m, logger, loc)
	reconciler := adherence.NewReconciler(st, m, logger, loc)
	notifier := adherence.NewAppointmentNotifier(st, bot, logger, loc)

	sched := scheduler.New(loc, logger, m)
	jobs := []struct {
		name string
		spec string
		run  scheduler.Job
	}{
		{"scan", cfg.Jobs.ScanSpec, scanner.Tick},
		{"appointments", cfg.Jobs.AppointmentSpec, notifier.Run},
		{"reconcile", cfg.Jobs.ReconcileSpec, reconciler.Reconcile},
		{"aggregate", cfg.Jobs.AggregateSpec, aggregator.Run},
		{"confirm-sweep", "* * * * *", func(ctx context.Context) error {
			dosageConfirms.Sweep(time.Now())
			importConfirms.Sweep(time.Now())
			return nil
		}},
	}
	for _, job := range jobs {
		if err := sched.Add(job.name, job.spec, job.run); err != nil {
			logger.Fatal("failed to register job", zap.String("job", job.name), zap.Error(err))
		}
	}

	statusServer := api.New(cfg.Server.Address, cfg.Server.Port, m, logger)
	go func() {
		if err := statusServer.Listen(); err != nil {
			logger.Error("status server stopped", zap.Error(err))
		}
	}()

	if err := bot.Start(); err != nil {
		logger.Fatal("failed to start telegram bot", zap.Error(err))
	}
	sched.Start()

	logger.Info("medassist running",
		zap.String("timezone", cfg.Timezone),
		zap.Int("port", cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	sched.Stop()
	bot.Stop()
	if err := statusServer.Shutdown(); err != nil {
		logger.Error("status server shutdown failed", zap.Error(err))
	}
}
