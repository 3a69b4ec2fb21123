package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/models"
	"chatsync/pkg/chatapi"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	GitCommit = "unknown"
)

type rootOptions struct {
	configPath    string
	envFile       string
	verbose       bool
	relayURL      string
	participantID string
}

// app carries what every subcommand needs once flags are parsed
type app struct {
	opts   *rootOptions
	in     io.Reader
	out    io.Writer
	logger *logrus.Logger
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{opts: &rootOptions{}, in: in, out: out}

	root := &cobra.Command{
		Use:   "chatclient",
		Short: "Terminal client for the chatsync relay",
		Long: `chatclient joins chat threads on a chatsync relay as a visitor or an
agent, with live typing, presence and delivery state.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing dotenv file is fine; the process environment still applies
			_ = godotenv.Load(a.opts.envFile)
			a.logger = newLogger(cmd.ErrOrStderr(), a.opts.verbose)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetIn(in)
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.opts.configPath, "config", "c", "", "config file path (JSON or YAML); CHATSYNC_* variables are used when empty")
	flags.StringVar(&a.opts.envFile, "env-file", ".env", "optional dotenv file")
	flags.BoolVarP(&a.opts.verbose, "verbose", "v", false, "debug logging with unmasked ids")
	flags.StringVar(&a.opts.relayURL, "relay", "", "relay base URL")
	flags.StringVarP(&a.opts.participantID, "as", "p", "", "participant id")

	root.AddCommand(
		newVisitorCmd(a),
		newAgentCmd(a),
		newInboxCmd(a),
		newHistoryCmd(a),
		newHealthCmd(a),
	)
	return root
}

func newLogger(w io.Writer, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	// Keep the console readable; only problems reach stderr by default
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// loadConfig resolves the configuration and applies command line overrides
func (a *app) loadConfig(role models.Role) (*models.Config, error) {
	var (
		cfg *models.Config
		err error
	)
	if a.opts.configPath != "" {
		cfg, err = config.LoadConfig(a.opts.configPath)
	} else {
		cfg, err = config.FromEnvironment()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if a.opts.relayURL != "" {
		cfg.Client.RelayURL = a.opts.relayURL
	}
	if a.opts.participantID != "" {
		cfg.Client.ParticipantID = a.opts.participantID
	}
	if role != "" {
		cfg.Client.Role = role
	}
	return cfg, nil
}

func (a *app) repository(cfg *models.Config) *chatapi.RepositoryClient {
	httpClient := &http.Client{Timeout: time.Duration(cfg.Client.HTTPTimeoutSec) * time.Second}
	return chatapi.NewRepositoryClient(cfg.Client.RelayURL, httpClient, a.logger)
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
