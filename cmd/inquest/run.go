package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/inquest/config"
	"github.com/mohammad-safakhou/inquest/internal/bridge"
	"github.com/mohammad-safakhou/inquest/internal/engine"
	"github.com/mohammad-safakhou/inquest/internal/llm"
	"github.com/mohammad-safakhou/inquest/internal/telemetry"
	"github.com/mohammad-safakhou/inquest/internal/tools"
)

func runCMD() *cobra.Command {
	var cfgPath string
	var asJSON bool
	var showTrace bool

	var run = &cobra.Command{
		Use:   "run [question]",
		Short: "Run one research session and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			question := strings.Join(args, " ")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			provider, err := llm.NewProvider(cfg.LLM)
			if err != nil {
				return err
			}

			logger := log.New(os.Stderr, "[RUN] ", log.LstdFlags)
			registry, closeTools, err := buildRegistry(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeTools()

			tel := telemetry.New(cfg.Telemetry)
			defer tel.Shutdown()

			sup := engine.NewSupervisor(cfg.Engine, cfg.LLM.Routing, provider, registry, tel)
			report, trace, err := sup.Run(ctx, question)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(os.Stdout, report)
			if showTrace {
				printTrace(os.Stdout, trace)
			}
			return nil
		},
	}
	run.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	run.Flags().BoolVar(&showTrace, "trace", false, "print the execution trace after the report")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return run
}

// buildRegistry wires native tools and configured tool servers into one
// registry. The returned closer shuts the servers down and releases native
// tool resources.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *log.Logger) (*tools.Registry, func(), error) {
	registry := tools.NewRegistry(cfg.Tools.SigningSecret, cfg.Tools.ProviderCooldown, logger)
	cleanup, err := tools.RegisterNative(registry, cfg.Tools, logger)
	if err != nil {
		return nil, nil, err
	}
	manager, err := bridge.Start(ctx, cfg.Bridge, registry, cfg.Tools.SigningSecret, logger)
	if err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	closeAll := func() {
		_ = manager.Close()
		_ = cleanup()
	}
	return registry, closeAll, nil
}

func printReport(w io.Writer, r *engine.Report) {
	fmt.Fprintf(w, "Session %s finished in %s after %d round(s)\n", r.SessionID, r.Elapsed.Round(time.Millisecond), r.Rounds)
	if r.Partial {
		fmt.Fprintln(w, "NOTE: partial report, the round budget ran out first")
	}
	if r.Degraded {
		fmt.Fprintln(w, "NOTE: degraded, some tools were unavailable")
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, r.Narrative)

	if len(r.Findings) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Findings:")
		for _, f := range r.Findings {
			fmt.Fprintf(w, "  [%.2f] %s\n", f.Confidence, f.Claim)
			for _, src := range f.Sources() {
				fmt.Fprintf(w, "         source: %s\n", src)
			}
		}
	}
	fmt.Fprintf(w, "\nTokens: %d  Cost: $%.4f\n", r.TokensUsed, r.Cost)
}

func printTrace(w io.Writer, events []engine.TraceEvent) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Trace:")
	for _, ev := range events {
		fmt.Fprintf(w, "  %4d %-10s", ev.Seq, ev.Kind)
		if ev.Round > 0 {
			fmt.Fprintf(w, " r%d", ev.Round)
		}
		if ev.State != "" {
			fmt.Fprintf(w, " %s", ev.State)
		}
		if ev.TaskID != "" {
			fmt.Fprintf(w, " %s", ev.TaskID)
		}
		if ev.Tool != "" {
			fmt.Fprintf(w, " tool=%s", ev.Tool)
		}
		if ev.Detail != "" {
			fmt.Fprintf(w, " %s", ev.Detail)
		}
		if ev.Err != "" {
			fmt.Fprintf(w, " err=%q", ev.Err)
		}
		fmt.Fprintln(w)
	}
}
