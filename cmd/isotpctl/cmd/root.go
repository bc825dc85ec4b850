package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

const (
	flagAddr    = "addr"
	flagTimeout = "timeout"
)

var rootCmd = &cobra.Command{
	Use:          "isotpctl",
	Short:        "Talk ISO-TP through an isotp-server gateway",
	SilenceUsage: true,
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagAddr, "a", "127.0.0.1:20100", "gateway address")
	pf.DurationP(flagTimeout, "t", 2*time.Second, "dial and response timeout")
}

func globalFlags(cmd *cobra.Command) (addr string, timeout time.Duration, err error) {
	if addr, err = cmd.Flags().GetString(flagAddr); err != nil {
		return "", 0, err
	}
	timeout, err = cmd.Flags().GetDuration(flagTimeout)
	return addr, timeout, err
}
