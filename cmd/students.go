package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/utils"
)

var studentsCmd = &cobra.Command{
	Use:   "students",
	Short: "List enrolled students",
	Run: func(cmd *cobra.Command, args []string) {
		students, err := Repo.ListStudents(cmd.Context())
		if err != nil {
			utils.Die("Failed to list students", err, nil)
		}

		if len(students) == 0 {
			fmt.Println("No students enrolled.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tSTUDENT ID\tNAME\tEMAIL\tFACE\tENROLLED")
		fmt.Fprintln(w, "--\t----------\t----\t-----\t----\t--------")
		for _, s := range students {
			face := "yes"
			if s.Embedding == nil {
				face = "no"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.StudentID, s.Name, s.Email, face, s.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(studentsCmd)
}
