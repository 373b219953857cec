package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stasis/stasis/internal/database"
	"github.com/stasis/stasis/internal/reporter"
)

var (
	historyJSON  bool
	historyLimit int
	historyClear bool
)

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print the history as JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of recent records to show")
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "delete every recorded action")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [day|week|month]",
	Short: "Show actions recorded in the history journal",
	Long: `Show actions recorded in the history journal.

The journal is written only when history is enabled in the [daemon] table
of the configuration file.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"day", "week", "month"},
	RunE:      runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	period := "day"
	if len(args) > 0 {
		period = args[0]
	}

	db, err := database.Connect(clientSettings().HistoryPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Initialize(); err != nil {
		return err
	}
	repo := database.NewRepository(db)

	if historyClear {
		if err := repo.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
		return nil
	}

	h, err := reporter.New(repo).GenerateHistory(period, historyLimit)
	if err != nil {
		return err
	}

	if historyJSON {
		out, err := reporter.FormatHistoryJSON(h)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), reporter.FormatHistoryText(h))
	return nil
}
