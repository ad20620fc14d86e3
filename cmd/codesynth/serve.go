package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/codesynth/codesynth/eventbus"
	"github.com/codesynth/codesynth/metrics"
	"github.com/codesynth/codesynth/orchestrator"
	"github.com/codesynth/codesynth/task"
)

func newServeCmd(configPath *string) *cobra.Command {
	var (
		noExpand bool
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "serve <request>",
		Short: "Run a build while serving its progress over SSE and Prometheus metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			bus := eventbus.New()
			collectors := metrics.New()

			mux := http.NewServeMux()
			mux.Handle("/metrics", collectors.Handler())
			mux.HandleFunc("/events", sseHandler(bus))

			server := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
			serverErr := make(chan error, 1)
			go func() { serverErr <- server.ListenAndServe() }()
			defer server.Shutdown(context.Background())

			metricsQueue, unsub := bus.Subscribe()
			defer unsub()
			go bridgeMetrics(metricsQueue, collectors)

			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
			result, err := orchestrator.Run(cmd.Context(), cfg, orchestrator.Options{
				Request:  args[0],
				NoExpand: noExpand,
				DryRun:   dryRun,
				Logger:   logger,
				EventBus: bus,
			})
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			fmt.Printf("Build finished: %s (%d/%d handoffs complete)\n",
				result.Manifest.TerminationReason, result.Manifest.HandoffsComplete, result.Manifest.HandoffsCollected)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noExpand, "no-expand", false, "Skip LLM idea-expansion of the request")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run the planning loop without dispatching to workers")

	return cmd
}

// sseHandler streams every event published on bus to the connected client
// as a Server-Sent Events feed, one JSON object per event.
func sseHandler(bus *eventbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		queue, unsub := bus.Subscribe()
		defer unsub()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-queue:
				if !ok {
					return
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, eventJSON(ev))
				flusher.Flush()
			}
		}
	}
}

// eventJSON marshals ev for an SSE data line, falling back to an empty
// object if the event somehow fails to marshal.
func eventJSON(ev task.Event) string {
	data, err := json.Marshal(ev)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// bridgeMetrics updates the Prometheus collectors from the same event
// stream the TUI and SSE handler consume.
func bridgeMetrics(queue eventbus.Queue, collectors *metrics.Collectors) {
	for ev := range queue {
		switch ev.Type {
		case task.EventTaskDispatched:
			collectors.RecordDispatch(ev.Team)
			collectors.ActiveWorkers.Inc()
		case task.EventTaskCompleted:
			collectors.RecordHandoffStatus(ev.Status)
			collectors.ActiveWorkers.Dec()
		case task.EventReconcilerIssue:
			collectors.RecordReconcilerIssue(ev.Status)
		case task.EventPlanningIteration:
			collectors.RecordPlanningIteration(ev.Data)
		}
	}
}
