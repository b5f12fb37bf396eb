package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheusHen/safetysocket/safetysocket/transport/quic"
)

// relay: serve until SIGINT/SIGTERM. Every client presenting an accepted key
// gets a fresh connection ID that peers address it by.
func relayCmd() *cobra.Command {
	var (
		listen   string
		keys     []string
		certFile string
		keyFile  string
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a QUIC relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = relayAddr
			}
			if len(keys) == 0 && apiKey != "" {
				keys = []string{apiKey}
			}
			if len(keys) == 0 {
				logger.Warn().Msg("no --allow keys; any non-empty API key is accepted")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tlsConf, err := quic.LoadServerTLSConfig(certFile, keyFile)
			if err != nil {
				return err
			}
			r, err := quic.ListenRelay(quic.RelayConfig{
				Addr:    listen,
				APIKeys: keys,
				TLS:     tlsConf,
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			defer r.Close()

			err = r.Serve(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, quic.ErrRelayClosed) {
				logger.Info().Msg("shutting down")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: --relay)")
	cmd.Flags().StringSliceVar(&keys, "allow", nil, "accepted API keys (default: --api-key)")
	cmd.Flags().StringVar(&certFile, "cert", "", "PEM certificate (default: self-signed, fingerprint logged)")
	cmd.Flags().StringVar(&keyFile, "key", "", "PEM private key for --cert")
	return cmd
}
