// cmd/holonet/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/holonet/internal/conductor"
	"github.com/ssd-technologies/holonet/internal/config"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/keystore"
	"github.com/ssd-technologies/holonet/internal/network"
	"github.com/ssd-technologies/holonet/internal/ribosome"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	dataDir    string
	configPath string
	logLevel   string
	logFormat  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "holonet",
	Short:         "Run a holonet conductor",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dataDir, "data-dir", config.DefaultDataDir(), "directory holding databases and keys")
	pf.StringVar(&configPath, "config", "", "config file (default <data-dir>/"+config.FileName+")")
	pf.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "override logging.format (text, json)")

	rootCmd.AddCommand(runCmd, initCmd, keygenCmd, versionCmd)
}

// loadConfig reads the config file and applies flag overrides. The default
// path may be absent; an explicit --config must exist.
func loadConfig() (*config.Config, error) {
	path, optional := configPath, false
	if path == "" {
		path, optional = filepath.Join(dataDir, config.FileName), true
	}
	cfg, err := config.Load(path, dataDir, optional)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, cfg.Validate()
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented config file into the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return err
		}
		path := filepath.Join(dataDir, config.FileName)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := os.WriteFile(path, []byte(config.Template), 0o600); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new agent key in the keystore",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ks, err := openKeystore(cfg, cfg.NewLogger(os.Stderr))
		if err != nil {
			return err
		}
		defer ks.Close()

		agent, err := ks.GenerateSignKeypair(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), agent.String())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "holonet %s\n", version)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the conductor and serve the admin and app APIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := cfg.NewLogger(os.Stderr)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func openKeystore(cfg *config.Config, logger *slog.Logger) (*keystore.Local, error) {
	passphrase, err := config.Passphrase()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.KeystorePath()), 0o700); err != nil {
		return nil, err
	}
	return keystore.Open(cfg.KeystorePath(), passphrase, keystore.WithLogger(logger))
}

// run owns the process lifetime: anything failing before the API is up is a
// startup failure and makes the process exit non-zero.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	ks, err := openKeystore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	defer ks.Close()

	// The transport resolves peers through the conductor's peer tables,
	// which only exist once the conductor is open.
	var opened atomic.Pointer[conductor.Conductor]
	ws := network.NewWS(func(space, agent hash.Hash) (string, bool) {
		c := opened.Load()
		if c == nil {
			return "", false
		}
		return c.Resolve(space, agent)
	}, logger)
	defer ws.Close()
	if err := ws.Listen(cfg.Network.ListenAddr); err != nil {
		return err
	}
	url := cfg.Network.AdvertiseURL
	if url == "" {
		url = ws.URL()
	}

	ribosomes := ribosome.NewRegistry()
	ribosomes.Register(ribosome.ExampleDnaName, ribosome.Example())

	cond, err := conductor.Open(ctx, conductor.Config{
		RootDir:   cfg.DataDir,
		Keystore:  ks,
		Network:   ws,
		Ribosomes: ribosomes,
		URL:       url,
		Logger:    logger,
		Tuning:    cfg.ConductorTuning(),
	})
	if err != nil {
		return fmt.Errorf("open conductor: %w", err)
	}
	opened.Store(cond)
	defer func() {
		if err := cond.Close(); err != nil {
			logger.Error("close conductor", "err", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.API.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen api: %w", err)
	}
	logger.Info("holonet started", "version", version, "data_dir", cfg.DataDir, "network", url)

	err = cond.Serve(ctx, ln, cfg.API.AppRateLimit)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api stopped", "err", err)
	}
	logger.Info("holonet stopped")
	return nil
}
