// labctl drives a learner's lab session from the command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/redmage123/course-creator-sub015/internal/config"
	"github.com/redmage123/course-creator-sub015/internal/workspace"
)

var (
	// Global flags
	learnerID  string
	exerciseID string
	courseID   string
	apiURL     string
	verbose    bool

	cfg    *config.ClientConfig
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "labctl",
	Short: "Run and inspect lab sessions",
	Long: `labctl talks to the sandbox server on behalf of one learner and one exercise.

Identity comes from LAB_LEARNER_ID, LAB_EXERCISE_ID and LAB_COURSE_ID, or
from the matching flags. Run "labctl shell" for an interactive terminal with
the assistant attached.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		loaded, err := config.LoadClient()
		if err != nil {
			return err
		}
		if learnerID != "" {
			loaded.LearnerID = learnerID
		}
		if exerciseID != "" {
			loaded.ExerciseID = exerciseID
		}
		if courseID != "" {
			loaded.CourseID = courseID
		}
		if apiURL != "" {
			loaded.APIURL = apiURL
			if err := loaded.Validate(); err != nil {
				return err
			}
		}
		cfg = loaded
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&learnerID, "learner", "", "learner id (overrides LAB_LEARNER_ID)")
	pf.StringVar(&exerciseID, "exercise", "", "exercise id (overrides LAB_EXERCISE_ID)")
	pf.StringVar(&courseID, "course", "", "course id (overrides LAB_COURSE_ID)")
	pf.StringVar(&apiURL, "api", "", "sandbox server URL (overrides LAB_API_URL)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(statusCmd, startCmd, pauseCmd, resumeCmd, stopCmd)
	rootCmd.AddCommand(filesCmd, catCmd, writeCmd, mkdirCmd, mvCmd, rmCmd)
	rootCmd.AddCommand(execCmd, historyCmd, askCmd, shellCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// withWorkspace opens a workspace for the configured learner and exercise,
// runs fn and closes it.
func withWorkspace(cmd *cobra.Command, fn func(ctx context.Context, ws *workspace.Workspace) error) error {
	ws, err := workspace.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer ws.Close()

	ctx := cmd.Context()
	if err := ws.Open(ctx); err != nil {
		return err
	}
	return fn(ctx, ws)
}
