package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-isotp-server/internal/wire"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "print every message the gateway reassembles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, timeout, err := globalFlags(cmd)
		if err != nil {
			return err
		}
		id, err := idFlag(cmd, "id")
		if err != nil {
			return err
		}
		count, _ := cmd.Flags().GetInt("count")
		results, _ := cmd.Flags().GetBool("results")
		return runListen(cmd.Context(), cmd.OutOrStdout(), addr, timeout, listenFilter{id: id, count: count, results: results})
	},
}

type listenFilter struct {
	id      uint16 // 0 = all
	count   int    // 0 = until interrupted
	results bool
}

func init() {
	f := listenCmd.Flags()
	f.String("id", "", "only print messages received on this id")
	f.IntP("count", "n", 0, "exit after n messages")
	f.Bool("results", false, "also print send results of other clients")
	rootCmd.AddCommand(listenCmd)
}

func runListen(ctx context.Context, w io.Writer, addr string, timeout time.Duration, f listenFilter) error {
	c, err := dial(ctx, addr, timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	seen := 0
	for {
		rec, err := c.next(time.Time{})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		switch rec.Kind {
		case wire.KindMessage:
			if f.id != 0 && rec.Src != f.id {
				continue
			}
			printMessage(w, rec)
			seen++
			if f.count > 0 && seen >= f.count {
				return nil
			}
		case wire.KindSendResult:
			if f.results {
				fmt.Fprintf(w, "%s -> %s %s\n", idText(rec.Src), idText(rec.Dst), statusText(rec.Status))
			}
		}
	}
}
