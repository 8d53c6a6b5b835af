// Package main provides the CLI entry point for the dispatch engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/protoflex/internal/certutil"
	"github.com/postalsys/protoflex/internal/config"
	"github.com/postalsys/protoflex/internal/logging"
	"github.com/postalsys/protoflex/internal/server"
	"github.com/postalsys/protoflex/internal/stats"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "protoflexd",
		Short:         "Multi-protocol proxy dispatch and framing engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "protoflex.yaml", "path to the YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newConfigCmd(&configPath))
	root.AddCommand(newTLSCmd())
	root.AddCommand(newAdminCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newServeCmd(configPath *string) *cobra.Command {
	var udp bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy listeners described by the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			srv, err := server.New(cfg, logger, stats.Default())
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			errCh := make(chan error, 2)
			go func() { errCh <- srv.Serve(ctx) }()
			if udp {
				go func() { errCh <- srv.ServeUDP(ctx) }()
			}

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			case err := <-errCh:
				if err != nil && err != context.Canceled {
					return err
				}
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&udp, "udp", true, "also serve UDP request/response on each listener's address")
	return cmd
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect and validate configuration"}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			for _, l := range cfg.Listeners {
				fmt.Printf("listener %s: %v\n", l.Address, l.Protocols)
				if l.TLS != nil {
					certPEM, _, err := l.TLS.ResolveTLSMaterial()
					if err != nil {
						return fmt.Errorf("listener %s: %w", l.Address, err)
					}
					fp, err := certutil.FingerprintPEM(certPEM)
					if err != nil {
						return fmt.Errorf("listener %s: %w", l.Address, err)
					}
					fmt.Printf("  tls cert %s\n", fp)
				}
			}
			if cfg.Admin.Address != "" {
				fmt.Printf("admin endpoint %s\n", cfg.Admin.Address)
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.AddCommand(validate)
	return cmd
}

func newTLSCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tls", Short: "TLS certificate utilities for listeners that sit behind TLS termination"}

	var commonName, certOut, keyOut string
	var hosts []string
	var validFor time.Duration
	gen := &cobra.Command{
		Use:   "gen-cert",
		Short: "Generate a self-signed server certificate for a TLS-wrapped listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cert, err := certutil.Generate(commonName, hosts, validFor)
			if err != nil {
				return fmt.Errorf("generating certificate: %w", err)
			}
			if err := cert.SaveToFiles(certOut, keyOut); err != nil {
				return fmt.Errorf("saving certificate: %w", err)
			}
			fmt.Printf("wrote %s and %s (fingerprint %s)\n", certOut, keyOut, cert.Fingerprint())
			return nil
		},
	}
	gen.Flags().StringVar(&commonName, "common-name", "localhost", "certificate common name")
	gen.Flags().StringSliceVar(&hosts, "host", nil, "SAN host (DNS name or IP literal, repeatable; defaults to common name + loopback)")
	gen.Flags().StringVar(&certOut, "cert", "server.pem", "output certificate path")
	gen.Flags().StringVar(&keyOut, "key", "server.key", "output key path")
	gen.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "certificate validity period")
	cmd.AddCommand(gen)
	return cmd
}

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Utilities for the admin endpoint"}

	hash := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Hash a password for the admin.password_hash config field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := config.HashAdminPassword(args[0])
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}
			fmt.Println(h)
			return nil
		},
	}
	cmd.AddCommand(hash)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("protoflexd %s (buffers default %s)\n", Version, humanize.Bytes(uint64(config.Default().Limits.BufferSize)))
			return nil
		},
	}
}
