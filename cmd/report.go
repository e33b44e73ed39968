package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var (
	reportFrom string
	reportTo   string
	reportCSV  bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show recorded attendance",
	Run: func(cmd *cobra.Command, args []string) {
		q := store.AttendanceQuery{Order: store.NewestFirst}
		if reportCSV {
			q.Order = store.ByDate
		}
		var err error
		if q.From, err = parseDay(reportFrom); err != nil {
			utils.Die("Invalid --from", err, nil)
		}
		if q.To, err = parseDay(reportTo); err != nil {
			utils.Die("Invalid --to", err, nil)
		}

		records, err := Repo.ListAttendance(cmd.Context(), q)
		if err != nil {
			utils.Die("Failed to load attendance", err, nil)
		}

		if reportCSV {
			w := csv.NewWriter(os.Stdout)
			w.Write([]string{"student_id", "name", "date", "timestamp"})
			for _, r := range records {
				w.Write([]string{r.Student.StudentID, r.Student.Name, r.Date.Format("2006-01-02"), r.CreatedAt.UTC().Format(time.RFC3339)})
			}
			w.Flush()
			return
		}

		if len(records) == 0 {
			fmt.Println("No attendance recorded.")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "DATE\tSTUDENT ID\tNAME\tMARKED AT")
		fmt.Fprintln(w, "----\t----------\t----\t---------")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Date.Format("2006-01-02"), r.Student.StudentID, r.Student.Name,
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		w.Flush()
	},
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

func init() {
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "First date to include (YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "Last date to include (YYYY-MM-DD)")
	reportCmd.Flags().BoolVar(&reportCSV, "csv", false, "Write CSV ordered by date to stdout")
	rootCmd.AddCommand(reportCmd)
}
