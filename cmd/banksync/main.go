package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"banksync/internal/domain/openbanking"
	"banksync/internal/infrastructure/postgres/listener"
	httpapi "banksync/internal/interfaces/http"
	"banksync/internal/interfaces/scheduler"
	"banksync/internal/shared/config"
	"banksync/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

const usage = `banksync - link bank accounts and sync them to local files

Usage:
  banksync <command> -c <config.toml> [options]

Commands:
  link           Link a provider through the bank's consent flow
  sync           Sync accounts, balances and transactions of linked providers
  institutions   List the institutions available in a country
  token          Obtain and store a new access token
  daemon         Sync all providers on a schedule
  runs           Show recent sync runs from the journal

Examples:
  # Link the provider named "monzo" in the config file
  banksync link -c banksync.toml -provider monzo

  # Sync one provider, or every configured provider
  banksync sync -c banksync.toml -provider monzo
  banksync sync -c banksync.toml

  # Find an institution id
  banksync institutions -c banksync.toml -country gb -filter monzo
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command := os.Args[1]; command {
	case "link":
		err = runLink(ctx, os.Args[2:])
	case "sync":
		err = runSync(ctx, os.Args[2:])
	case "institutions":
		err = runInstitutions(ctx, os.Args[2:])
	case "token":
		err = runToken(ctx, os.Args[2:])
	case "daemon":
		err = runDaemon(ctx, os.Args[2:])
	case "runs":
		err = runRuns(ctx, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s\n", command, usage)
		os.Exit(1)
	}

	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "kind", openbanking.Classify(err), "error", err)
		stop()
		os.Exit(1)
	}
}

// newFlagSet returns a flag set with the shared -c/-config flag.
func newFlagSet(name, synopsis string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	path := fs.String("config", "", "Configuration file")
	fs.StringVar(path, "c", "", "Configuration file (shorthand)")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: banksync %s -c <config.toml> %s\n\nOptions:\n", name, synopsis)
		fs.PrintDefaults()
	}
	return fs, path
}

func parse(fs *flag.FlagSet, path *string, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		fs.Usage()
		return fmt.Errorf("%w: -c/-config is required", config.ErrInvalidConfig)
	}
	return nil
}

func runLink(ctx context.Context, args []string) error {
	fs, path := newFlagSet("link", "-provider <name>")
	name := fs.String("provider", "", "Provider name from the config file")
	if err := parse(fs, path, args); err != nil {
		return err
	}

	d, err := NewDependencies(ctx, *path, dependencyOptions{out: os.Stdout})
	if err != nil {
		return err
	}
	defer d.Close()

	provider, err := d.Config.Provider(*name)
	if err != nil {
		return err
	}

	// Bound before the requisition exists so a busy port costs nothing.
	waiter, err := httpapi.Listen(d.Config.HTTP.BindAddress, d.Client, httpapi.ListenerOptions{
		Mode:           d.Config.HTTP.CallbackMode,
		ConsentTimeout: d.Config.HTTP.ConsentTimeout.Duration,
		Logger:         d.Logger,
	})
	if err != nil {
		return err
	}

	state, err := d.Link.Link(ctx, provider, d.Config.HTTP.ClientFacingURL, waiter)
	if err != nil {
		return err
	}
	fmt.Printf("Linked %s (requisition %s), state saved to %s\n", provider.Name, state.RequisitionID, provider.State)
	return nil
}

func runSync(ctx context.Context, args []string) error {
	fs, path := newFlagSet("sync", "[-provider <name>]")
	name := fs.String("provider", "", "Provider name; all providers when empty")
	if err := parse(fs, path, args); err != nil {
		return err
	}

	d, err := NewDependencies(ctx, *path, dependencyOptions{journal: true, out: os.Stdout})
	if err != nil {
		return err
	}
	defer d.Close()

	names := d.Config.ProviderNames()
	if *name != "" {
		names = []string{*name}
	}

	var errs []error
	for _, n := range names {
		provider, err := d.Config.Provider(n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result, err := d.Sync.Sync(ctx, provider)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		fmt.Printf("%s: synced %d account(s) from %s to %s\n",
			provider.Name, len(result.Accounts), result.Window.Start, result.Window.End)
	}
	return errors.Join(errs...)
}

func runInstitutions(ctx context.Context, args []string) error {
	fs, path := newFlagSet("institutions", "[-country gb] [-filter name]")
	country := fs.String("country", "", "Two-letter country code; defaults to api.country")
	filter := fs.String("filter", "", "Only institutions whose name or id contains this")
	if err := parse(fs, path, args); err != nil {
		return err
	}

	d, err := NewDependencies(ctx, *path, dependencyOptions{out: os.Stdout})
	if err != nil {
		return err
	}
	defer d.Close()

	c := *country
	if c == "" {
		c = d.Config.API.Country
	}
	institutions, err := d.Institutions.List(ctx, strings.ToUpper(c), *filter)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(institutions)
}

func runToken(ctx context.Context, args []string) error {
	fs, path := newFlagSet("token", "")
	if err := parse(fs, path, args); err != nil {
		return err
	}

	d, err := NewDependencies(ctx, *path, dependencyOptions{anonymous: true, out: os.Stdout})
	if err != nil {
		return err
	}
	defer d.Close()

	tok, err := d.issueToken(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Access token stored in %s, valid until %s\n", d.Config.API.TokenFile, tok.AccessExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func runDaemon(ctx context.Context, args []string) error {
	fs, path := newFlagSet("daemon", "")
	if err := parse(fs, path, args); err != nil {
		return err
	}

	d, err := NewDependencies(ctx, *path, dependencyOptions{journal: true, out: os.Stdout})
	if err != nil {
		return err
	}
	defer d.Close()

	cfg := d.Config
	sched, err := scheduler.NewScheduler(scheduler.SchedulerConfig{
		ScheduleTimes: cfg.Scheduler.Times,
		WorkerCount:   cfg.Scheduler.Workers,
		JobDelay:      cfg.Scheduler.JobDelay.Duration,
		QueueSize:     cfg.Scheduler.QueueSize,
		RunOnStartup:  cfg.Scheduler.RunOnStartup,
		JobProvider:   scheduler.ProviderJobs(cfg, d.Sync, d.Logger),
		Logger:        d.Logger,
	})
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Shutdown(shutdownTimeout)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Telemetry.Enabled {
		g.Go(func() error {
			return telemetry.ServeMetrics(gctx, cfg.Telemetry.MetricsPort, d.Logger)
		})
	}

	if cfg.Journal.DatabaseURL != "" {
		requests := listener.NewSyncRequestListener(cfg.Journal.DatabaseURL, func(_ context.Context, name string) {
			provider, err := cfg.Provider(name)
			if err != nil {
				d.Logger.Warn("sync requested for unknown provider", "provider", name)
				return
			}
			if err := sched.Submit(scheduler.NewProviderSyncJob(provider, d.Sync, d.Logger)); err != nil {
				d.Logger.Warn("sync request not queued", "provider", name, "error", err)
			}
		}, d.Logger)
		requests.Start(gctx)
		g.Go(func() error {
			requests.Wait()
			return nil
		})
	}

	d.Logger.Info("daemon running", "providers", cfg.ProviderNames())
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	d.Logger.Info("shutting down")
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs, path := newFlagSet("runs", "[-provider <name>] [-limit 20]")
	name := fs.String("provider", "", "Only runs of this provider")
	limit := fs.Int("limit", 20, "Number of runs to show")
	if err := parse(fs, path, args); err != nil {
		return err
	}

	d, err := NewDependencies(ctx, *path, dependencyOptions{anonymous: true, journal: true, out: os.Stdout})
	if err != nil {
		return err
	}
	defer d.Close()

	if d.Journal == nil {
		return fmt.Errorf("%w: no journal configured (set DATABASE_URL or journal.database_url)", config.ErrInvalidConfig)
	}

	runs, err := d.Journal.ListRecent(ctx, *name, *limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tPROVIDER\tOUTCOME\tACCOUNTS\tWINDOW\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s..%s\t%s\n",
			run.StartedAt.Local().Format("2006-01-02 15:04"),
			run.Provider,
			run.Outcome,
			run.AccountsSynced, run.AccountsTotal,
			run.WindowStart, run.WindowEnd,
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second),
		)
	}
	return tw.Flush()
}
