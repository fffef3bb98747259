package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockberries/ledgerberry/chain"
	"github.com/blockberries/ledgerberry/store"
	"github.com/blockberries/ledgerberry/types"
)

var (
	inspectLimit int

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Print the stored head and the most recent commits",
		RunE:  runInspect,
	}
)

func init() {
	inspectCmd.Flags().IntVar(&inspectLimit, "limit", 10, "number of commits to print")
}

func runInspect(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	vs, err := cfg.ValidatorSet()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StoreOptions(nil))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ch := chain.New(st, cfg.ChainConfig(vs, cfg.Logger(io.Discard)))
	if err := ch.Load(cmd.Context()); err != nil {
		return fmt.Errorf("loading chain: %w", err)
	}
	return printChain(cmd.OutOrStdout(), ch, inspectLimit)
}

func printChain(out io.Writer, ch *chain.Chain, limit int) error {
	if ch.IsEmpty() {
		fmt.Fprintln(out, "empty chain")
		return nil
	}
	fmt.Fprintf(out, "genesis  %s\nhead     %s\nheight   %d\ncommits  %d\n\n",
		ch.GenesisID(), ch.HeadID(), ch.HeadHeight(), ch.Len())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HEIGHT\tID\tAUTHOR\tTIME\tMUTATIONS\tVOTES")
	n := 0
	for c := range ch.Ancestors(ch.HeadID()) {
		if n == limit {
			break
		}
		height, _ := ch.Height(c.ID)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\n",
			height, c.ShortID(), types.ShortID(c.Author), c.Timestamp.Format(time.RFC3339),
			len(c.Mutations), len(ch.Certificate(c.ID)))
		n++
	}
	return tw.Flush()
}
