package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsm/target-api/internal/config"
)

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration without delivering anything",
		Long: `Load the config file with its TARGET_API_* overrides, validate it and
print the resolved delivery settings. Secrets are masked.

Example:
  target-api check --config config.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, cmd)
		},
	}
}

func runCheck(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	masker := newMasker(cfg)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "url:          %s\n", masker.URL(cfg.RenderURL("{stream}", nil)))
	fmt.Fprintf(out, "method:       %s\n", cfg.Method)
	fmt.Fprintf(out, "auth:         %s\n", cfg.AuthMode())
	if cfg.ProcessAsBatch {
		fmt.Fprintf(out, "mode:         batch (batch_size=%d, max_size_in_bytes=%d)\n", cfg.BatchSize, cfg.MaxSizeInBytes)
	} else {
		fmt.Fprintln(out, "mode:         single")
	}
	fmt.Fprintf(out, "concurrency:  %d\n", cfg.Concurrency())
	fmt.Fprintf(out, "retries:      %d (initial %s, max %s)\n", cfg.MaxRetries, cfg.RetryInitialInterval, cfg.RetryMaxInterval)
	for _, h := range cfg.CustomHeaderList() {
		fmt.Fprintf(out, "header:       %s: %s\n", h.Name, masker.Header(h.Name, h.Value))
	}
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

// loadConfig maps every load failure to ExitConfig.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, WrapExitError(ExitConfig, "invalid configuration", errors.New("--config is required"))
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitConfig, "invalid configuration", err)
	}
	return cfg, nil
}
