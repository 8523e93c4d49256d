package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/config"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/pkg/logger"
)

const defaultConfigPath = "config.yaml"

var (
	configPath string
	proxyURL   string
	verbose    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "standby",
	Short: "Store-and-forward proxy for contract analysis submissions",
	Long: `standby sits between kiosks and the contract analysis service.

When the analysis service cannot be reached, a submitted document is kept
locally and the submitter is told it is pending. The document is resent
on request once the service is back.

  serve   - run the interception proxy
  submit  - send a document through the proxy
  retry   - resend the pending document
  status  - show the pending document, if any
  clear   - discard the pending document
  token   - issue an access token`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&proxyURL, "proxy", "", "Proxy base URL for client commands (overrides client.proxy_url)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads the config file and sets up logging. A missing default
// config file is not an error; defaults and STANDBY_* variables apply.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if proxyURL != "" {
		cfg.Client.ProxyURL = proxyURL
		cfg.Client.ControlURL = config.ControlURLFor(proxyURL)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.Debug("configuration loaded", "path", path)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
