package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/translocal/translocal/internal/config"
)

const (
	version = "0.1.0"
)

var (
	configPath string
	verbose    bool
	quiet      bool

	// serve overrides
	port         int
	listenAddr   string
	apiKey       string
	enableDNS    bool
	outputFile   string
	outputFormat string
	logFile      string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "translocal",
		Short: "TransLocal - local DeepL and Google Translate API provider",
		Long: `TransLocal answers DeepL and Google Translate API requests on this machine
and routes the text to an on-device model server instead of the cloud.

Point a client at the proxy (HTTP or HTTPS via CONNECT) and requests for
api.deepl.com, api-free.deepl.com and translate.googleapis.com are served
locally with a certificate issued by the TransLocal root CA. Other hosts are
tunneled unchanged.

Examples:
  # Run the proxy with the settings file
  translocal serve

  # Run on another port and require an API key
  translocal serve --port 6000 --api-key secret

  # Trust the root CA for the current user
  translocal ca install

  # Change the model and check the backend
  translocal config set backend_model qwen2.5-1.5b
  translocal status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default: "+config.GetDefaultConfigPath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress console output (requires --log-file or --output)")

	rootCmd.AddCommand(newServeCmd(), newCACmd(), newStatusCmd(), newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func effectiveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.GetDefaultConfigPath()
}

// loadConfig builds the runtime configuration: flags, then the settings file
// for anything the flags left at default.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	cfg.Verbose = verbose
	cfg.Quiet = quiet

	flags := cmd.Flags()
	if flags.Lookup("port") != nil {
		cfg.Port = port
		cfg.ListenAddr = listenAddr
		cfg.APIKey = apiKey
		cfg.DNSEnabled = enableDNS
		cfg.OutputFile = outputFile
		cfg.OutputFormat = outputFormat
		cfg.LogFile = logFile
	}

	fc, err := config.LoadConfigFile(effectiveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.MergeWithFileConfig(fc)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
