package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-isotp-server/internal/isotp"
	"github.com/kstaniek/go-isotp-server/internal/wire"
)

var errSendFailed = errors.New("send failed")

type sendOptions struct {
	addr    string
	timeout time.Duration
	tx, rx  uint16
	data    []byte
	wait    bool
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "send one ISO-TP message and print the outcome",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, timeout, err := globalFlags(cmd)
		if err != nil {
			return err
		}
		opts := sendOptions{addr: addr, timeout: timeout}
		f := cmd.Flags()
		if opts.tx, err = idFlag(cmd, "tx"); err != nil {
			return err
		}
		if opts.rx, err = idFlag(cmd, "rx"); err != nil {
			return err
		}
		data, _ := f.GetString("data")
		if opts.data, err = parseHex(data); err != nil {
			return err
		}
		opts.wait, _ = f.GetBool("wait")
		return runSend(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	f := sendCmd.Flags()
	f.String("tx", "0x7E0", "id the message is sent on")
	f.String("rx", "", "id flow control (and the reply) arrives on; default tx+8")
	f.StringP("data", "d", "", "payload as hex, e.g. 22F190 or \"22 F1 90\"")
	f.BoolP("wait", "w", false, "wait for the reply message on rx")
	rootCmd.AddCommand(sendCmd)
}

func runSend(ctx context.Context, w io.Writer, o sendOptions) error {
	if len(o.data) > isotp.MaxMessageSize {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(o.data), isotp.MaxMessageSize)
	}
	rx := o.rx
	if rx == 0 {
		rx = o.tx + 8
	}
	c, err := dial(ctx, o.addr, o.timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.send(wire.Record{Kind: wire.KindSend, Src: o.tx, Dst: o.rx, Payload: o.data}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	deadline := time.Now().Add(o.timeout)
	sent := false
	for {
		rec, err := c.next(deadline)
		if err != nil {
			if sent {
				return fmt.Errorf("waiting for reply on 0x%03X: %w", rx, err)
			}
			return fmt.Errorf("waiting for send result: %w", err)
		}
		switch {
		case !sent && rec.Kind == wire.KindSendResult && rec.Src == o.tx:
			fmt.Fprintf(w, "%s -> %s %s (%d bytes)\n", idText(o.tx), idText(rx), statusText(rec.Status), len(o.data))
			if !rec.OK() {
				return fmt.Errorf("%w: %s", errSendFailed, rec.Status)
			}
			if !o.wait {
				return nil
			}
			sent = true
			deadline = time.Now().Add(o.timeout)
		case sent && rec.Kind == wire.KindMessage && rec.Src == rx:
			printMessage(w, rec)
			return nil
		}
	}
}

func printMessage(w io.Writer, rec wire.Record) {
	m := rec.Message()
	if !rec.OK() {
		fmt.Fprintf(w, "%s %s %s\n", idText(rec.Src), statusText(rec.Status), m.String())
		return
	}
	fmt.Fprintf(w, "%s %s\n", idText(rec.Src), m.String())
}

func idFlag(cmd *cobra.Command, name string) (uint16, error) {
	s, err := cmd.Flags().GetString(name)
	if err != nil || s == "" {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil || n > 0x7FF {
		return 0, fmt.Errorf("--%s: %q is not an 11-bit id", name, s)
	}
	return uint16(n), nil
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("--data: %w", err)
	}
	return b, nil
}
