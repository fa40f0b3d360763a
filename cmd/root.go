package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"authcore/internal/autherrors"
	"authcore/internal/config"
	"authcore/internal/controller"
	"authcore/pkg/logging"
)

// Exit codes for CLI commands. These follow common conventions so scripts
// can distinguish "run login" from "something broke".
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates interactive authentication is required.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the authorization flow failed.
	ExitCodeAuthFailed = 3
)

var (
	flagConfigPath string
	flagDebug      bool
)

// rootCmd represents the base command for the authcore application.
var rootCmd = &cobra.Command{
	Use:   "authcore",
	Short: "Acquire and manage OAuth2 credentials",
	Long: `authcore acquires, caches, refreshes and revokes OAuth2/OIDC
credentials for multiple accounts, realms and resources, optionally
delegating credential custody to a system broker.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// the application already reports.
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelWarn
		if flagDebug {
			level = logging.LevelDebug
		}
		logging.InitForCLI(level, os.Stderr)
	},
}

// SetVersion sets the version for the root command. Called from main to
// inject the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "authcore version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error classes onto semantic exit codes.
func getExitCode(err error) int {
	if errors.Is(err, controller.ErrInteractionRequired) {
		return ExitCodeAuthRequired
	}
	if autherrors.IsStateMismatch(err) || autherrors.IsUnauthorizedCaller(err) {
		return ExitCodeAuthFailed
	}
	if _, ok := autherrors.IsServerError(err); ok {
		return ExitCodeAuthFailed
	}
	return ExitCodeError
}

func configPath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}
	return config.GetDefaultConfigPathOrPanic()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config directory (default is $HOME/.config/authcore)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newAccountsCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())
}
