package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"orgcal/internal/config"
	"orgcal/internal/ics"
	appLog "orgcal/internal/log"
	"orgcal/internal/metrics"
	"orgcal/internal/notify"
	"orgcal/internal/orchestrator"
	"orgcal/internal/store"
	"orgcal/internal/web"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the schedule refresh and the reminder loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := root.loadConfig()
			if err != nil {
				return err
			}
			// --listen overrides config file listen if provided.
			if listen != "" {
				conf.Listen = listen
			}
			return runServe(cmd.Context(), conf)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func runServe(parent context.Context, conf *config.Config) error {
	appLog.Info("orgcal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"driver", conf.Database.Driver,
		"past_days", conf.Window.PastDays,
		"future_days", conf.Window.FutureDays,
		"refresh", conf.RefreshCron,
		"notify_every", conf.NotifyEvery,
		"kafka_brokers", len(conf.Kafka.Brokers),
		"ics_count", len(conf.ICS),
	)

	st, err := openStore(conf)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	m := metrics.New()

	sinks := notify.MultiSink{notify.LogSink{}}
	if len(conf.Kafka.Brokers) > 0 {
		kafkaSink := notify.NewKafkaSink(conf.Kafka.Brokers, conf.Kafka.Topic)
		defer func() {
			if err := kafkaSink.Close(); err != nil {
				appLog.Error("kafka sink close failed", err)
			}
		}()
		sinks = append(sinks, kafkaSink)
	}

	loc := conf.Location()
	orch := orchestrator.New(st, sinks, m, orchestrator.Config{
		PastDays:               conf.Window.PastDays,
		FutureDays:             conf.Window.FutureDays,
		MaxOccurrencesPerEvent: conf.MaxOccurrencesPerEvent,
		RefreshSpec:            conf.RefreshCron,
		NotifySpec:             conf.NotifyEvery,
		Location:               loc,
	})

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signalContext(parent)
	defer cancel()

	srv := web.NewServer(conf, st, orch, m)

	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Stop()

	stopImports, err := startImports(ctx, conf, st, loc)
	if err != nil {
		return err
	}
	defer stopImports()

	if err := srv.Serve(ctx, conf.Listen); err != nil {
		appLog.Error("HTTP server failed", err, "listen", conf.Listen)
		return err
	}
	appLog.Info("orgcal exiting")
	return nil
}

// startImports pulls the configured ICS subscriptions once and then on the
// refresh schedule. It returns a function that stops the schedule.
func startImports(ctx context.Context, conf *config.Config, st *store.GormStore, loc *time.Location) (func(), error) {
	sources := icsSources(conf)
	if len(sources) == 0 {
		return func() {}, nil
	}
	fetcher := ics.NewFetcher(conf.ICSCacheDir, &http.Client{Timeout: 30 * time.Second})

	run := func() {
		if _, err := ics.Import(ctx, st, fetcher, sources, loc); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Warn("ics import incomplete", "err", err.Error())
		}
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(conf.RefreshCron, run); err != nil {
		return nil, err
	}
	go run()
	c.Start()

	return func() { <-c.Stop().Done() }, nil
}

func icsSources(conf *config.Config) []ics.Source {
	sources := make([]ics.Source, 0, len(conf.ICS))
	for _, csrc := range conf.ICS {
		if csrc.URL == "" {
			continue
		}
		id := csrc.ID
		if id == "" {
			id = csrc.URL
		}
		sources = append(sources, ics.Source{
			ID:             id,
			URL:            csrc.URL,
			OrganizationID: csrc.Organization,
		})
	}
	return sources
}
