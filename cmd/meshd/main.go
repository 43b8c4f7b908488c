// meshd is a mesh node that discovers its link-local neighbors and bills
// the clients of its exit tunnel for the traffic it carries.
//
// Usage:
//
//	meshd [flags] [run]
//	meshd [flags] fee get
//	meshd [flags] fee set <fee>
//	meshd version
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.meshd/config.toml")
//	-name string
//	    Node name (overrides config)
//	-data-dir string
//	    Data directory (overrides config)
//	-v
//	    Enable verbose logging
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/meshpay/meshd/lib/babel"
	"github.com/meshpay/meshd/lib/core"
	apperrors "github.com/meshpay/meshd/lib/errors"
	"github.com/meshpay/meshd/lib/resilience"
	"github.com/meshpay/meshd/version"
)

const (
	shutdownTimeout = 10 * time.Second
	commandTimeout  = 10 * time.Second
)

// dialBabel opens a babeld session for the fee commands.
var dialBabel = func(ctx context.Context, cfg *core.Config, logger *slog.Logger) (*babel.Client, error) {
	return babel.NewDialer(cfg.Network.BabelPort, resilience.DefaultCircuitBreakerConfig(), logger).Open(ctx)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".meshd", "config.toml")

	fs := flag.NewFlagSet("meshd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	nodeName := fs.String("name", "", "Node name (overrides config)")
	dataDir := fs.String("data-dir", "", "Data directory (overrides config)")
	verbose := fs.Bool("v", false, "Enable verbose logging")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "meshd - mesh neighbor discovery and exit billing\n\n")
		fmt.Fprintf(stderr, "Usage:\n")
		fmt.Fprintf(stderr, "  meshd [flags] [run]        Start the node\n")
		fmt.Fprintf(stderr, "  meshd [flags] fee get      Print the fee babeld announces\n")
		fmt.Fprintf(stderr, "  meshd [flags] fee set <n>  Change and persist the local fee\n")
		fmt.Fprintf(stderr, "  meshd version              Print version and exit\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cmd := "run"
	rest := fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	if cmd == "version" {
		fmt.Fprintf(stdout, "meshd version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		return 1
	}
	if *nodeName != "" {
		cfg.Node.Name = *nodeName
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	switch cmd {
	case "run":
		return runNode(cfg, logger)
	case "fee":
		return exitStatus(logger, handleFee(rest, cfg, *configPath, logger, stdout))
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return 2
	}
}

func runNode(cfg *core.Config, logger *slog.Logger) int {
	node, err := core.NewNode(cfg, logger)
	if err != nil {
		logger.Error("failed to create node", "error", err, "code", apperrors.Code(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		logger.Error("failed to start node", "error", err, "code", apperrors.Code(err))
		return 1
	}

	logger.Info("meshd started", append([]any{"name", cfg.Node.Name}, version.LogAttrs()...)...)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case <-node.Done():
		logger.Error("node stopped unexpectedly")
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := node.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
		return 1
	}

	logger.Info("meshd stopped")
	return 0
}

// errUsage marks command line mistakes, which exit with status 2.
var errUsage = errors.New("usage: meshd fee get | meshd fee set <fee>")

// exitStatus logs err with its category code and returns the process exit
// status for it.
func exitStatus(logger *slog.Logger, err error) int {
	if err == nil {
		return 0
	}
	logger.Error("command failed", "error", err, "code", apperrors.Code(err))
	if errors.Is(err, errUsage) {
		return 2
	}
	return 1
}

func handleFee(args []string, cfg *core.Config, configPath string, logger *slog.Logger, stdout io.Writer) error {
	if len(args) == 0 {
		return apperrors.Wrap(apperrors.CodeInvalidInput, "missing fee command", errUsage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch args[0] {
	case "get":
		client, err := dialBabel(ctx, cfg, logger)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeUnavailable, "connecting to babeld", err)
		}
		defer client.Close()

		fee, err := client.LocalFee()
		if err != nil {
			return apperrors.Wrap(apperrors.CodeRouting, "reading local fee", err)
		}
		fmt.Fprintf(stdout, "%d\n", fee)
		return nil

	case "set":
		if len(args) != 2 {
			return apperrors.Wrap(apperrors.CodeInvalidInput, "fee set takes one value", errUsage)
		}
		fee, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInvalidInput, "fee must be a non-negative integer", err)
		}
		if err := babel.CheckFee(uint32(fee), logger); err != nil {
			return apperrors.Wrap(apperrors.CodeInvalidInput, "refusing fee", err)
		}

		client, err := dialBabel(ctx, cfg, logger)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeUnavailable, "connecting to babeld", err)
		}
		defer client.Close()

		if err := client.SetLocalFee(uint32(fee)); err != nil {
			return apperrors.Wrap(apperrors.CodeRouting, "babeld rejected the fee", err)
		}

		// Only the fee is written back; flag and environment overrides
		// stay out of the file.
		err = core.UpdateConfigFile(configPath, func(stored *core.Config) {
			stored.Payment.LocalFee = uint32(fee)
		})
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, "fee applied but not saved to "+configPath, err)
		}
		cfg.Payment.LocalFee = uint32(fee)
		logger.Info("local fee updated", "fee", fee)
		return nil

	default:
		return apperrors.Wrap(apperrors.CodeInvalidInput, fmt.Sprintf("unknown fee command %q", args[0]), errUsage)
	}
}
