package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/app"
	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/service"
	"github.com/ifuryst/storyrelay/internal/service/pipeline"
	"github.com/ifuryst/storyrelay/pkg/logger"
)

var (
	configPath string
	envFile    string
	accounts   []string
	policy     string
	keepCount  int
	format     string

	version   = "0.1.0"
	gitCommit = "unknown"
	buildTime = "unknown"
)

// exitError carries a process exit code through cobra
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var errRunFailures = errors.New("run finished with failures")

var rootCmd = &cobra.Command{
	Use:   "storyrelay",
	Short: "StoryRelay - Instagram story archiver and X thread publisher",
	Long: `StoryRelay archives the active Instagram stories of the configured accounts
and republishes them as replies under a per-account anchor post on X.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runPipeline(pipeline.ModeRun),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Archive new stories, then post the eligible ones",
	RunE:  runPipeline(pipeline.ModeRun),
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Fetch and stage new stories without posting",
	RunE:  runPipeline(pipeline.ModeArchive),
}

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Post stories already archived in the ledger",
	RunE:  runPipeline(pipeline.ModePost),
}

var storyCmd = &cobra.Command{
	Use:   "story <story-id>",
	Short: "Archive and post a single story right away",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(pipeline.RunOptions{Mode: pipeline.ModeStory, StoryID: args[0]})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			return printStatus(cmd.OutOrStdout(), a.Engine.Status(accounts...), format)
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the X credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			if err := requireTwitter(a.Config); err != nil {
				return err
			}
			if err := a.Engine.VerifyCredentials(ctx); err != nil {
				return fmt.Errorf("failed to verify credentials: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Credentials OK")
			return nil
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict staged media of posted stories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			keep := keepCount
			if !cmd.Flags().Changed("keep") {
				keep = a.Config.Media.KeepCount
			}
			return a.Exclusive(ctx, func(ctx context.Context) error {
				n, err := a.Engine.Cleanup(ctx, keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d staged files\n", n)
				return nil
			})
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run on a schedule and expose the status API",
	RunE:  runServe,
}

var authSecretCmd = &cobra.Command{
	Use:   "auth-secret [account-name]",
	Short: "Generate a TOTP secret for server.totp_secret",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "admin"
		if len(args) > 0 {
			name = args[0]
		}
		secret, url, err := service.GenerateSecret(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Secret: %s\nURL:    %s\n", secret, url)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("StoryRelay %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/storyrelay.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringSliceVarP(&accounts, "account", "a", nil, "restrict to these accounts (repeatable or comma separated)")

	for _, cmd := range []*cobra.Command{rootCmd, runCmd, postCmd} {
		cmd.Flags().StringVarP(&policy, "policy", "p", "", "posting policy: immediate or daily")
	}
	cleanupCmd.Flags().IntVar(&keepCount, "keep", 0, "staged files to keep after eviction (defaults to media.keep_count)")
	statusCmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(runCmd, archiveCmd, postCmd, storyCmd, statusCmd, verifyCmd, cleanupCmd, serveCmd, authSecretCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else {
		// a missing .env is fine
		_ = godotenv.Load()
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// withApp builds the application, runs fn with a signal-aware context and
// reports panics before exiting
func withApp(fn func(ctx context.Context, a *app.App) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	a, err := app.New(cfg, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			appLogger.Warn("Failed to close resources", zap.Error(cerr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			a.ReportPanic(ctx, r, string(debug.Stack()))
			err = &exitError{code: 2, err: fmt.Errorf("panic: %v", r)}
		}
	}()

	return fn(ctx, a)
}

func requireTwitter(cfg *config.Config) error {
	if !cfg.Twitter.HasCredentials() {
		return errors.New("twitter credentials are not configured")
	}
	return nil
}

func runPipeline(mode pipeline.Mode) func(*cobra.Command, []string) error {
	return func(*cobra.Command, []string) error {
		return execute(pipeline.RunOptions{Mode: mode})
	}
}

func execute(opts pipeline.RunOptions) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		if opts.Mode != pipeline.ModeArchive {
			if err := requireTwitter(a.Config); err != nil {
				return err
			}
		}

		opts.Accounts = accounts
		if policy != "" {
			p, err := pipeline.ParsePolicy(policy)
			if err != nil {
				return err
			}
			opts.Policy = p
		}

		summary, err := a.Run(ctx, opts)
		if summary != nil {
			printSummary(os.Stdout, summary)
		}
		if err != nil {
			return err
		}
		if summary.HasFailures() {
			return errRunFailures
		}
		return nil
	})
}

func runServe(*cobra.Command, []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		if err := requireTwitter(a.Config); err != nil {
			return err
		}
		return serve(ctx, a)
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
