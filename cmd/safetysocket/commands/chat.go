package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheusHen/safetysocket/safetysocket"
	"github.com/TheusHen/safetysocket/safetysocket/protocol"
	"github.com/TheusHen/safetysocket/safetysocket/transport/quic"
)

const chatHelp = `commands:
  <peer> <message>       send an encrypted message
  /secret <peer>         create a secret for peer and print its token
  /import <peer> <token> use a token received from peer
  /manual <passphrase>   override every peer secret ("/manual" alone clears it)
  /id                    print this connection's ID
  /quit                  disconnect`

// chat: connect, then read commands from stdin until EOF or /quit.
func chatCmd() *cobra.Command {
	var (
		secrets  []string
		manual   string
		compress bool
		pin      string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Exchange encrypted messages through a relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				return fmt.Errorf("API key required (--api-key or %s)", envAPIKey)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := safetysocket.DefaultOptions()
			opts.Logger = logger
			if compress {
				opts.Compression = protocol.CompressionDefault
			}
			dcfg := quic.DialerConfig{Addr: relayAddr, Logger: logger}
			if pin != "" {
				tlsConf, err := quic.NewPinnedClientTLSConfig(pin)
				if err != nil {
					return err
				}
				dcfg.TLS = tlsConf
			}
			dialer := quic.NewDialer(dcfg)
			m := safetysocket.NewManager(apiKey, dialer, opts)

			for _, s := range secrets {
				if err := m.SetSecret(s); err != nil {
					return fmt.Errorf("--secret: %w", err)
				}
			}
			if manual != "" {
				if err := m.SetManualSecret(manual); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			m.On(safetysocket.EventMessage, func(ev safetysocket.Event) {
				fmt.Fprintf(out, "[%s] %s\n", ev.PeerID, ev.Data)
			})
			m.On(safetysocket.EventError, func(ev safetysocket.Event) {
				fmt.Fprintf(out, "! %s: %v\n", ev.PeerID, ev.Err)
			})
			m.On(safetysocket.EventDisconnected, func(ev safetysocket.Event) {
				fmt.Fprintln(out, "! disconnected from relay")
				stop()
			})

			if _, err := m.Connect(ctx); err != nil {
				return err
			}
			defer m.Kill()

			fmt.Fprintf(out, "connected as %s\n%s\n", m.ID(), chatHelp)
			return runChat(ctx, m, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringArrayVar(&secrets, "secret", nil, "secret material, <peer>:<token> or a passphrase (repeatable)")
	cmd.Flags().StringVar(&manual, "manual", "", "manual secret shared with every peer")
	cmd.Flags().BoolVar(&compress, "compress", false, "lz4-compress messages before sealing")
	cmd.Flags().StringVar(&pin, "pin", "", "relay certificate fingerprint (hex SHA-256) to require")
	return cmd
}

func runChat(ctx context.Context, m *safetysocket.Manager, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := chatLine(ctx, m, strings.TrimSpace(line), out)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func chatLine(ctx context.Context, m *safetysocket.Manager, line string, out io.Writer) (bool, error) {
	if line == "" {
		return false, nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/id":
		fmt.Fprintln(out, m.ID())
	case "/secret":
		if len(fields) != 2 {
			return false, errors.New("usage: /secret <peer>")
		}
		token, err := m.MakeSecret(fields[1])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "secret for %s: %s\n", fields[1], token)
	case "/import":
		if len(fields) != 3 {
			return false, errors.New("usage: /import <peer> <token>")
		}
		return false, m.ImportSecret(fields[1], fields[2])
	case "/manual":
		return false, m.SetManualSecret(strings.TrimSpace(strings.TrimPrefix(line, "/manual")))
	default:
		if strings.HasPrefix(fields[0], "/") {
			return false, fmt.Errorf("unknown command %s", fields[0])
		}
		peer := fields[0]
		msg := strings.TrimSpace(strings.TrimPrefix(line, peer))
		if msg == "" {
			return false, errors.New("usage: <peer> <message>")
		}
		return false, m.Send(ctx, peer, msg)
	}
	return false, nil
}
