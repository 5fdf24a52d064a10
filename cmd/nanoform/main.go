// Package main starts a NanoForm server.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"

	"github.com/micromdm/nanoform/engine"
	enginehttp "github.com/micromdm/nanoform/engine/http"
	nfhttp "github.com/micromdm/nanoform/http"
	"github.com/micromdm/nanoform/log/logkeys"
	"github.com/micromdm/nanoform/webhook"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log/stdlogfmt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "nanoform"
	apiRealm    = "nanoform"
)

func main() {
	var (
		flDebug    = flag.Bool("debug", false, "log debug messages")
		flListen   = flag.String("listen", ":9005", "HTTP listen address")
		flVersion  = flag.Bool("version", false, "print version and exit")
		flDump     = flag.Bool("dump", false, "dump API requests")
		flAPIKey   = flag.String("api", "", "API key for API endpoints")
		flStorage  = flag.String("storage", "file", "name of storage backend")
		flDSN      = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flCacheTTL = flag.Duration("cache-ttl", 0, "cache form and workflow definitions for this long (0 disables)")
		flSchedule = flag.String("reminder-schedule", engine.DefaultSchedule, "cron schedule of the reminder worker")
		flRemAge   = flag.Duration("reminder-age", engine.DefaultReminderAge, "idle time after which a session is reminded")
		flRemURL   = flag.String("reminder-url", "", "URL reminders are sent to (empty disables reminders)")
		flRemKey   = flag.String("reminder-secret", "", "secret for signing reminders")
		flWHWork   = flag.Int("webhook-workers", 2, "number of concurrent webhook deliveries")
		flWHQueue  = flag.Int("webhook-queue", 100, "number of webhook deliveries that may wait")
	)
	envflag.Parse("NANOFORM_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	if *flAPIKey == "" {
		logger.Info(logkeys.Error, "API key required")
		os.Exit(1)
	}

	storage, err := parseStorage(*flStorage, *flDSN, *flCacheTTL)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(webhook.Collectors()...)

	deliverer := webhook.NewDeliverer(webhook.WithLogger(logger.With("service", "webhook")))
	dispatcher := webhook.NewDispatcher(
		deliverer,
		webhook.WithDispatchLogger(logger.With("service", "dispatcher")),
		webhook.WithWorkers(*flWHWork),
		webhook.WithQueueSize(*flWHQueue),
	)

	e := engine.New(
		storage,
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithDispatcher(dispatcher),
	)

	var eWorker *engine.Worker
	if *flRemURL != "" {
		eWorker = engine.NewWorker(
			storage,
			webhook.NewReminderNotifier(deliverer, &webhook.Target{URL: *flRemURL, Secret: *flRemKey}),
			engine.WithWorkerLogger(logger.With("service", "engine worker")),
			engine.WithWorkerSchedule(*flSchedule),
			engine.WithWorkerReminderAge(*flRemAge),
		)
	}

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), "GET")

	mux.Group(func(mux *flow.Mux) {
		mux.Use(func(h http.Handler) http.Handler {
			return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
		})
		if *flDump {
			mux.Use(func(h http.Handler) http.Handler {
				return nfhttp.DumpHandler(h, os.Stdout)
			})
		}

		enginehttp.HandleAPIv1("/v1", mux, logger, e, enginehttp.HeaderIdentity)
	})

	ctx := context.Background()

	go dispatcher.Run(ctx)

	if eWorker != nil {
		go func() {
			err := eWorker.Run(ctx)
			logs := []interface{}{logkeys.Message, "engine worker stopped"}
			if err != nil {
				logger.Info(append(logs, logkeys.Error, err)...)
				return
			}
			logger.Debug(logs...)
		}()
	}

	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// newTraceID generates a new HTTP trace ID for context logging.
// Currently this just makes a random string.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
