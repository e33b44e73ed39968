package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/frames"
	"github.com/andresmejia3/rollcall/internal/service"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/utils"
)

type recognizeOptions struct {
	ImagePath string
	VideoPath string
	Date      string
	DryRun    bool
	JSON      bool
	NthFrame  int
	Budget    time.Duration
	Threshold float64
	Workers   int
}

var recOpts recognizeOptions

var recognizeCmd = &cobra.Command{
	Use:   "recognize",
	Short: "Mark attendance from a classroom photo or video",
	Run: func(cmd *cobra.Command, args []string) {
		runRecognize(cmd, recOpts)
	},
}

func init() {
	f := recognizeCmd.Flags()
	f.StringVarP(&recOpts.ImagePath, "image", "i", "", "Path to a classroom photo")
	f.StringVarP(&recOpts.VideoPath, "video", "v", "", "Path to a classroom video")
	f.StringVar(&recOpts.Date, "date", "", "Attendance date YYYY-MM-DD (default: today)")
	f.BoolVar(&recOpts.DryRun, "dry-run", false, "Recognize without recording attendance")
	f.BoolVar(&recOpts.JSON, "json", false, "Print the result as JSON")
	f.IntVarP(&recOpts.NthFrame, "nth-frame", "n", 0, "Analyze every nth video frame (default from config)")
	f.DurationVarP(&recOpts.Budget, "budget", "b", 0, "Wall-clock budget for a video (default from config)")
	f.Float64VarP(&recOpts.Threshold, "threshold", "t", 0, "Match distance threshold, lower is stricter (default from config)")
	f.IntVarP(&recOpts.Workers, "workers", "w", 0, "Frames analyzed in parallel (default from config)")
	recognizeCmd.MarkFlagsOneRequired("image", "video")
	recognizeCmd.MarkFlagsMutuallyExclusive("image", "video")
	rootCmd.AddCommand(recognizeCmd)
}

func validateRecognizeFlags(opts recognizeOptions) service.RunOptions {
	if opts.NthFrame < 0 || opts.Workers < 0 || opts.Budget < 0 || opts.Threshold < 0 {
		utils.Die("Invalid flags", errors.New("numeric flags must not be negative"), nil)
	}
	if opts.NthFrame > 0 {
		Cfg.Video.NthFrame = opts.NthFrame
	}
	if opts.Budget > 0 {
		Cfg.Video.Budget = opts.Budget
	}
	if opts.Threshold > 0 {
		Cfg.Recognition.Threshold = opts.Threshold
	}
	if opts.Workers > 0 {
		Cfg.Recognition.Workers = opts.Workers
	}

	run := service.RunOptions{DryRun: opts.DryRun}
	if opts.Date != "" {
		d, err := time.Parse("2006-01-02", opts.Date)
		if err != nil {
			utils.Die("Invalid --date, expected YYYY-MM-DD", err, nil)
		}
		run.Date = d
	}
	return run
}

func runRecognize(cmd *cobra.Command, opts recognizeOptions) {
	run := validateRecognizeFlags(opts)

	svc, release := newService()
	defer release()

	var (
		res *session.Result
		err error
	)
	if opts.ImagePath != "" {
		data, readErr := os.ReadFile(opts.ImagePath)
		if readErr != nil {
			utils.Die("Failed to read image", readErr, nil)
		}
		res, err = svc.RecognizeImage(cmd.Context(), data, run)
	} else {
		bar := videoProgress(opts.VideoPath)
		run.Progress = func(int) { bar.Add(1) }
		fmt.Fprintf(os.Stderr, "⚙️  Analyzing every %d frame(s) with %d worker(s), budget %s\n",
			Cfg.Video.NthFrame, Cfg.Recognition.Workers, Cfg.Video.Budget)
		res, err = svc.RecognizeVideoFile(cmd.Context(), opts.VideoPath, run)
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	var recErr *session.RecordError
	if err != nil && !errors.As(err, &recErr) {
		utils.Die("Recognition failed", err, nil)
	}
	printResult(res, opts)
	if recErr != nil {
		utils.Die("Recognized students but could not record attendance", recErr, nil)
	}
}

// videoProgress counts analyzed frames. Without ffprobe the total is unknown
// and the bar degrades to a spinner.
func videoProgress(path string) *progressbar.ProgressBar {
	total := -1
	if n := frames.CountFrames(path); n > 0 {
		total = (n + Cfg.Video.NthFrame - 1) / Cfg.Video.NthFrame
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Scanning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
}

func printResult(res *session.Result, opts recognizeOptions) {
	if opts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
		return
	}
	if res.BudgetExceeded {
		fmt.Fprintf(os.Stderr, "⏱️  Time budget reached after %d frames; results are partial.\n", res.FramesScanned)
	}
	if res.FramesFailed > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  %d frame(s) could not be analyzed.\n", res.FramesFailed)
	}
	if len(res.Recognized) == 0 {
		fmt.Println("No enrolled students recognized.")
		return
	}
	fmt.Printf("👥 Recognized %d student(s) on %s:\n", len(res.Recognized), res.Date.Format("2006-01-02"))
	for _, id := range res.Recognized {
		fmt.Printf("   %s  %s\n", id.StudentID, id.Name)
	}
	if opts.DryRun {
		fmt.Println("🧪 Dry run: nothing recorded.")
		return
	}
	fmt.Printf("✅ Attendance marked for %d new student(s).\n", res.Created)
}
