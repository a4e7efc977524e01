package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd(app *App) *cobra.Command {
	var fresh bool

	cmd := &cobra.Command{
		Use:   "sync [companyId]",
		Short: "Sync one company's vouchers into the local cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.Connect(ctx); err != nil {
				return err
			}
			defer app.Close()

			var companyID string
			if len(args) == 1 {
				companyID = args[0]
			}
			company, err := app.findCompany(companyID)
			if err != nil {
				return err
			}

			unsubscribe := app.orchestrator.Subscribe(app.printProgress)
			defer unsubscribe()

			res, err := app.orchestrator.RequestSync(ctx, company, fresh)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.out, "%s: %d records cached, watermark %d\n",
				company.DisplayName, res.RecordCount, res.LastRevision)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "force a full re-download instead of an incremental sync")
	return cmd
}
