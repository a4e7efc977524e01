package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vouchersync/internal/models"
	"vouchersync/internal/storage"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status [companyId]",
		Short: "Show cache and sync state per company",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.Connect(ctx); err != nil {
				return err
			}
			defer app.Close()

			companies := app.companies
			if len(args) == 1 {
				c, err := app.findCompany(args[0])
				if err != nil {
					return err
				}
				companies = []models.CompanyInfo{c}
			}

			fmt.Fprintf(app.out, "backend: %s\n", app.store.BackendName())
			for _, c := range companies {
				if err := app.printCompanyStatus(ctx, c); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *App) printCompanyStatus(ctx context.Context, c models.CompanyInfo) error {
	records, err := a.orchestrator.GetCompanyRecords(ctx, c)
	if err != nil {
		return err
	}
	cached, missing, err := a.orchestrator.Coverage(ctx, c)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "\n%s (%s)\n", c.DisplayName, c.OwnerID())
	fmt.Fprintf(a.out, "  records:   %d (watermark %d)\n", len(records), models.MaxRevision(records))
	for _, r := range cached {
		fmt.Fprintf(a.out, "  cached:    %s\n", r)
	}
	for _, r := range missing {
		fmt.Fprintf(a.out, "  uncached:  %s\n", r)
	}

	prog, err := a.store.GetState(ctx, storage.ProgressKey(a.sess.UserID, c.CompanyID))
	if err != nil {
		return err
	}
	if prog == nil {
		fmt.Fprintf(a.out, "  sync:      never ran\n")
		return nil
	}
	fmt.Fprintf(a.out, "  sync:      %s at %s", prog.Status, prog.LastUpdatedAt.Format("2006-01-02 15:04:05"))
	if prog.TotalChunks > 0 {
		fmt.Fprintf(a.out, " (%d/%d chunks)", prog.ChunksCompleted, prog.TotalChunks)
	}
	if prog.Interrupted() {
		fmt.Fprint(a.out, " (resumable)")
	}
	if prog.Error != "" {
		fmt.Fprintf(a.out, "\n  error:     %s", prog.Error)
	}
	fmt.Fprintln(a.out)
	return nil
}
