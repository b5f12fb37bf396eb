package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	envAPIKey = "SAFETYSOCKET_API_KEY"
	envRelay  = "SAFETYSOCKET_RELAY"

	defaultRelay = "127.0.0.1:4433"
)

var (
	relayAddr string
	apiKey    string
	logLevel  string

	logger zerolog.Logger
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "safetysocket",
		Short:         "End-to-end encrypted peer messaging over a relay",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				Level(lvl).
				With().
				Timestamp().
				Str("command", cmd.Name()).
				Logger()

			if relayAddr == "" {
				relayAddr = os.Getenv(envRelay)
			}
			if relayAddr == "" {
				relayAddr = defaultRelay
			}
			if apiKey == "" {
				apiKey = os.Getenv(envAPIKey)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&relayAddr, "relay", "", "relay address (env "+envRelay+", default "+defaultRelay+")")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key presented to the relay (env "+envAPIKey+")")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "trace|debug|info|warn|error")

	root.AddCommand(keygenCmd(), relayCmd(), chatCmd())
	return root
}
