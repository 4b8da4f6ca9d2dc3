package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fastdls/internal/app"
	"fastdls/internal/config"
	"fastdls/internal/infrastructure"
	"fastdls/internal/pki"
	"fastdls/internal/products"
	"fastdls/internal/services"
	"fastdls/internal/store"
	"fastdls/internal/token"
	"fastdls/pkg/contracts"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("command execution failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "dls",
		Short:         "Delegated license service for vGPU guests",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		newServeCommand(),
		newKeygenCommand(),
		newPKICommand(),
		newClientTokenCommand(),
		newSweepCommand(),
		newVersionCommand(),
	)
	return root
}

// load reads the configuration and installs the global logger.
func load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the license service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := app.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newKeygenCommand() *cobra.Command {
	var (
		bits  int
		force bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the instance signing key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			inst := cfg.Instance

			if !force {
				for _, path := range []string{inst.PrivateKeyFile, inst.PublicKeyFile} {
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s already exists, use --force to replace it", path)
					}
				}
			}

			keys, err := pki.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			if err := keys.WriteFiles(inst.PrivateKeyFile, inst.PublicKeyFile); err != nil {
				return err
			}

			fingerprint := pki.SPKIFingerprint(keys.Public)
			logger.Info("instance key generated",
				slog.String("private_key", inst.PrivateKeyFile),
				slog.String("public_key", inst.PublicKeyFile),
				slog.Int("bits", bits),
				slog.String("spki_sha256", fingerprint))
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\nspki sha256: %s\n",
				inst.PrivateKeyFile, inst.PublicKeyFile, fingerprint)
			return nil
		},
	}

	cmd.Flags().IntVar(&bits, "bits", pki.MinKeyBits, "RSA modulus size")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing key pair")
	return cmd
}

func newPKICommand() *cobra.Command {
	var caBits int

	cmd := &cobra.Command{
		Use:   "pki",
		Short: "Create or refresh the certificate chain of the instance key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			inst := cfg.Instance
			if inst.CertDir == "" {
				return fmt.Errorf("instance cert dir is not configured")
			}

			keys, err := pki.LoadKeyPair(inst.PrivateKeyFile, inst.PublicKeyFile)
			if err != nil {
				return fmt.Errorf("failed to load instance key: %w", err)
			}
			now := time.Now()
			chain, err := pki.EnsureChain(inst.CertDir, pki.ChainOptions{
				InstanceRef: inst.InstanceRef,
				Instance:    keys,
				CAKeyBits:   caBits,
				Now:         now,
			})
			if err != nil {
				return err
			}
			if err := chain.Verify(now); err != nil {
				return err
			}

			logger.Info("certificate chain ready",
				slog.String("dir", inst.CertDir),
				slog.Time("leaf_not_after", chain.Leaf.NotAfter))
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", filepath.Join(inst.CertDir, pki.LeafCertFile))
			return nil
		},
	}

	cmd.Flags().IntVar(&caBits, "ca-bits", pki.MinKeyBits, "RSA modulus size of the root and intermediate keys")
	return cmd
}

func newClientTokenCommand() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "client-token",
		Short: "Write a client configuration token without a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			identity, err := app.LoadIdentity(cfg, time.Now())
			if err != nil {
				return err
			}
			// client tokens never touch the lease store
			st, err := store.NewMemoryStore(logger)
			if err != nil {
				return err
			}
			admin := services.NewAdminService(st, token.NewCodec(identity.Keys, nil), identity, cfg,
				services.Options{Logger: logger})

			filename, signed, err := admin.ClientToken(cmd.Context())
			if err != nil {
				return err
			}
			path := filepath.Join(outDir, filename)
			if err := os.WriteFile(path, []byte(signed), 0o644); err != nil {
				return fmt.Errorf("write client token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory the token file is written to")
	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired leases once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			st, err := store.Open(cmd.Context(), cfg.Database.URL, cfg.Database.MaxOpenConns, logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			// the sweep never signs tokens
			leases := services.NewLeaseService(st, products.Default(), nil, cfg.Instance,
				services.Options{Logger: logger})
			refs, err := leases.ExpireSweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired leases\n", len(refs))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(contracts.GetVersionInfo())
			}
			fmt.Fprintln(cmd.OutOrStdout(), contracts.GetFullVersionString())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
