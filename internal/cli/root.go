package cli

import (
	"io"

	"github.com/spf13/cobra"

	"vouchersync/internal/config"
	"vouchersync/internal/logging"
)

// NewRootCmd builds the vouchersync command tree. Flags overlay the config
// loaded from file and environment, later sources winning.
func NewRootCmd(log logging.Logger, out io.Writer) *cobra.Command {
	var (
		cfgPath     string
		dataDir     string
		endpoint    string
		constrained bool
	)
	app := &App{log: log, out: out}

	root := &cobra.Command{
		Use:          "vouchersync",
		Short:        "Local encrypted mirror of remote accounting vouchers",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if endpoint != "" {
				cfg.Endpoint = endpoint
			}
			if constrained {
				cfg.ConstrainedHost = true
			}
			app.cfg = cfg
			return nil
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "path to JSON config file")
	pf.StringVar(&dataDir, "data-dir", "", "override the cache directory")
	pf.StringVar(&endpoint, "endpoint", "", "override the voucher fetch endpoint")
	pf.BoolVar(&constrained, "constrained", false, "stretch fetch timeouts for low-powered hosts")

	root.AddCommand(
		newSyncCmd(app),
		newStatusCmd(app),
		newClearCmd(app),
		newResumeCmd(app),
	)
	return root
}
