package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/translocal/translocal/internal/config"
	"github.com/translocal/translocal/pkg/backend"
	"github.com/translocal/translocal/pkg/cert"
	"github.com/translocal/translocal/pkg/logger"
)

func newCACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage the root certificate authority",
	}

	openCA := func(c *cobra.Command) (*cert.CA, error) {
		cfg, err := loadConfig(c)
		if err != nil {
			return nil, err
		}
		return cert.NewCA(cfg.EffectiveCADir())
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the root certificate path",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				ca, err := openCA(c)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), ca.CertPath())
				return nil
			},
		},
		&cobra.Command{
			Use:   "export <file>",
			Short: "Write the root certificate (PEM, or DER for .der/.cer)",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				ca, err := openCA(c)
				if err != nil {
					return err
				}
				if err := ca.ExportAuthority(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(c.OutOrStdout(), "Exported root certificate to %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "install",
			Short: "Trust the root certificate for the current user",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				ca, err := openCA(c)
				if err != nil {
					return err
				}
				if !ca.InstallAuthorityToUserStore() {
					return fmt.Errorf("could not install %s; import it manually", ca.CertPath())
				}
				fmt.Fprintln(c.OutOrStdout(), "Root certificate installed")
				return nil
			},
		},
	)
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend and proxy status",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			out := c.OutOrStdout()

			ctx, cancel := context.WithTimeout(c.Context(), 15*time.Second)
			defer cancel()

			client := backend.NewOpenAI(cfg.BackendConfig(), logger.Nop())
			st := client.Status(ctx)
			state := "ready"
			if !st.Ready {
				state = "not ready"
			}
			fmt.Fprintf(out, "Backend:  %s (%s) - %s\n", cfg.BackendURL, state, st.Message)

			proxyState := "not running"
			if cfg.AdminEnabled && adminAlive(ctx, cfg.AdminAddr) {
				proxyState = "running"
			}
			fmt.Fprintf(out, "Proxy:    %s:%d (%s)\n", cfg.ListenAddr, cfg.Port, proxyState)
			fmt.Fprintf(out, "Root CA:  %s\n", cfg.EffectiveCADir())
			return nil
		},
	}
}

func adminAlive(ctx context.Context, addr string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := (&http.Client{Timeout: 2 * time.Second}).Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or modify settings",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective settings",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(c.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cfg.Redacted())
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Persist one setting",
			Long:  "Persist one setting to the configuration file.\n\nKeys: " + strings.Join(config.Keys(), ", "),
			Args:  cobra.ExactArgs(2),
			RunE: func(c *cobra.Command, args []string) error {
				path := effectiveConfigPath()
				fc, err := config.LoadConfigFile(path)
				if err != nil {
					return err
				}
				if err := fc.Set(args[0], args[1]); err != nil {
					return err
				}

				cfg := config.Default()
				cfg.MergeWithFileConfig(fc)
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := config.SaveConfigFile(path, fc); err != nil {
					return err
				}
				fmt.Fprintf(c.OutOrStdout(), "Saved %s to %s\n", args[0], path)
				fmt.Fprintln(c.OutOrStdout(), "Send SIGHUP to a running 'translocal serve' to apply proxy settings")
				return nil
			},
		},
	)
	return cmd
}
