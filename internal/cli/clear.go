package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newClearCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <companyId>",
		Short: "Drop one company's cached records and sync state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.Connect(ctx); err != nil {
				return err
			}
			defer app.Close()

			company, err := app.findCompany(args[0])
			if err != nil {
				return err
			}
			if err := app.orchestrator.ClearCache(ctx, company); err != nil {
				return err
			}
			fmt.Fprintf(app.out, "cache cleared for %s\n", company.DisplayName)
			return nil
		},
	}
}
