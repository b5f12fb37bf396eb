package commands

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/safetysocket/safetysocket/secret"
)

// keygen: print tokens suitable for --secret or /import.
func keygenCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print fresh secret tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			for i := 0; i < count; i++ {
				sec, err := secret.Generate(rand.Reader)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sec.Token())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of tokens")
	return cmd
}
