package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var (
	enrollStudent types.Student
	enrollPhoto   string
	enrollNoFlush bool
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Register a student with a profile photo",
	Run: func(cmd *cobra.Command, args []string) {
		photo, err := os.ReadFile(enrollPhoto)
		if err != nil {
			utils.Die("Failed to read profile photo", err, nil)
		}

		svc, release := newService()
		defer release()

		res, err := svc.Enroll(cmd.Context(), enrollStudent, photo)
		if err != nil {
			utils.Die("Failed to enroll student", err, nil)
		}
		if !enrollNoFlush {
			svc.InvalidateCache(cmd.Context())
		}

		fmt.Printf("✅ Enrolled %s (%s) as #%d\n", res.Student.Name, res.Student.StudentID, res.Student.ID)
		if !res.FaceFound {
			fmt.Fprintln(os.Stderr, "⚠️  No face found in the profile photo; this student cannot be recognized until re-enrolled.")
		}
	},
}

var reenrollCmd = &cobra.Command{
	Use:   "reenroll <student_id> <photo>",
	Short: "Replace a student's face embedding from a new photo",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		photo, err := os.ReadFile(args[1])
		if err != nil {
			utils.Die("Failed to read photo", err, nil)
		}

		svc, release := newService()
		defer release()

		res, err := svc.Reenroll(cmd.Context(), args[0], photo)
		if err != nil {
			utils.Die("Failed to re-enroll student", err, nil)
		}
		svc.InvalidateCache(cmd.Context())
		if !res.FaceFound {
			fmt.Fprintf(os.Stderr, "⚠️  No face found; embedding for %s cleared.\n", args[0])
			return
		}
		fmt.Printf("✅ Embedding for %s updated\n", args[0])
	},
}

func init() {
	f := enrollCmd.Flags()
	f.StringVar(&enrollStudent.StudentID, "student-id", "", "Unique student number")
	f.StringVar(&enrollStudent.Name, "name", "", "Full name")
	f.StringVar(&enrollStudent.Email, "email", "", "Unique email address")
	f.StringVar(&enrollStudent.Phone, "phone", "", "Phone number")
	f.StringVarP(&enrollPhoto, "photo", "p", "", "Profile photo with exactly the student's face")
	f.BoolVar(&enrollNoFlush, "no-invalidate", false, "Do not drop the embedding cache (batch enrollment)")
	for _, name := range []string{"student-id", "name", "email", "photo"} {
		enrollCmd.MarkFlagRequired(name)
	}
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(reenrollCmd)
}
