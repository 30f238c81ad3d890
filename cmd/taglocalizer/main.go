// Command taglocalizer fuses drivetrain odometry with fiducial tag
// detections into a field-relative robot pose.
//
// Usage:
//
//	taglocalizer [flags] [config-path]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/taglocalizer/internal/config"
	"github.com/banshee-data/taglocalizer/internal/fusion"
	"github.com/banshee-data/taglocalizer/internal/monitoring"
	"github.com/banshee-data/taglocalizer/internal/serialmux"
	"github.com/banshee-data/taglocalizer/internal/store"
	"github.com/banshee-data/taglocalizer/internal/version"
)

// errUsage is returned by parseArgs for a malformed command line.
var errUsage = errors.New("usage error")

type options struct {
	configPath string
	httpListen string
	grpcListen string
	dbPath     string
	noDB       bool
	verbose    bool
	migrate    string
	listPorts  bool
	version    bool
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("taglocalizer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.httpListen, "http", "", "HTTP listen address (overrides http_listen)")
	fs.StringVar(&opts.grpcListen, "grpc", "", "gRPC pose stream address (overrides grpc_listen)")
	fs.StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides db_path)")
	fs.BoolVar(&opts.noDB, "no-db", false, "Do not record estimates")
	fs.BoolVar(&opts.verbose, "verbose", false, "Log per-cycle diagnostics")
	fs.StringVar(&opts.migrate, "migrate", "", "Run a database migration command (up, down, status) and exit")
	fs.BoolVar(&opts.listPorts, "list-ports", false, "List serial ports and exit")
	fs.BoolVar(&opts.version, "version", false, "Print the version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: taglocalizer [flags] [config-path]\n\nconfig-path defaults to %s\n\nFlags:\n", config.DefaultConfigPath)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	switch fs.NArg() {
	case 0:
		opts.configPath = config.DefaultConfigPath
	case 1:
		opts.configPath = fs.Arg(0)
	default:
		fs.Usage()
		return opts, fmt.Errorf("%w: expected at most one config path, got %d arguments", errUsage, fs.NArg())
	}
	switch opts.migrate {
	case "", "up", "down", "status":
	default:
		fs.Usage()
		return opts, fmt.Errorf("%w: unknown migrate command %q", errUsage, opts.migrate)
	}
	return opts, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	if opts.version {
		fmt.Fprintf(stdout, "taglocalizer %s\n", version.String())
		return 0
	}
	if opts.listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			fmt.Fprintf(stderr, "failed to list serial ports: %v\n", err)
			return 1
		}
		for _, p := range ports {
			fmt.Fprintln(stdout, p)
		}
		return 0
	}
	monitoring.SetVerbose(opts.verbose)

	cfg, err := config.LoadLocalizerConfig(opts.configPath)
	if err != nil {
		log.Printf("[Main] failed to load config: %v", err)
		return 1
	}
	applyOverrides(cfg, opts)

	if opts.migrate != "" {
		if err := runMigrate(opts.migrate, cfg.GetDBPath(), stdout); err != nil {
			log.Printf("[Main] migrate %s: %v", opts.migrate, err)
			return 1
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, opts)
	if err != nil {
		log.Printf("[Main] %v", err)
		return 1
	}
	err = a.run(ctx)

	var estErr *fusion.EstimatorError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Printf("[Main] graceful shutdown complete")
		return 0
	case errors.As(err, &estErr):
		log.Printf("[Main] %v", estErr)
		log.Printf("[Main] estimator state at failure:\n%s", estErr.Dump)
		return 1
	default:
		log.Printf("[Main] %v", err)
		return 1
	}
}

func applyOverrides(cfg *config.LocalizerConfig, opts options) {
	if opts.httpListen != "" {
		cfg.HTTPListen = &opts.httpListen
	}
	if opts.grpcListen != "" {
		cfg.GRPCListen = &opts.grpcListen
	}
	if opts.dbPath != "" {
		cfg.DBPath = &opts.dbPath
	}
}

func runMigrate(command, path string, out io.Writer) error {
	db, err := store.OpenWithoutMigrations(path)
	if err != nil {
		return err
	}
	defer db.Close()

	switch command {
	case "up":
		if err := db.MigrateUp(); err != nil {
			return err
		}
	case "down":
		if err := db.MigrateDown(); err != nil {
			return err
		}
	}

	v, dirty, err := db.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := store.LatestMigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: schema version %d of %d (dirty=%v)\n", path, v, latest, dirty)
	return nil
}
