package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Finish syncs that were interrupted mid-flight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.Connect(ctx); err != nil {
				return err
			}
			defer app.Close()

			unsubscribe := app.orchestrator.Subscribe(app.printProgress)
			defer unsubscribe()

			resumed := 0
			for _, company := range app.companies {
				prog, interrupted, err := app.orchestrator.CheckInterruptedSync(ctx, company)
				if err != nil {
					return err
				}
				if !interrupted {
					continue
				}
				fmt.Fprintf(app.out, "%s: resuming at chunk %d of %d\n",
					company.DisplayName, prog.ChunksCompleted+1, prog.TotalChunks)
				res, err := app.orchestrator.RequestSync(ctx, company, false)
				if err != nil {
					return fmt.Errorf("resume %s: %w", company.OwnerID(), err)
				}
				fmt.Fprintf(app.out, "%s: %d records cached, watermark %d\n",
					company.DisplayName, res.RecordCount, res.LastRevision)
				resumed++
			}
			if resumed == 0 {
				fmt.Fprintln(app.out, "no interrupted syncs found")
			}
			return nil
		},
	}
}
