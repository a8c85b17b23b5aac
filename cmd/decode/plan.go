package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-decoding/internal/engine"
	"github.com/23skdu/longbow-decoding/internal/opendecoder"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the arena layout for a configuration without allocating it",
		Args:  cobra.NoArgs,
		RunE:  PlanHandler,
	}
	addModelFlags(cmd)
	cmd.Flags().Bool("empty", false, "Include zero-sized regions")
	return cmd
}

func PlanHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	showEmpty, _ := cmd.Flags().GetBool("empty")

	layout, err := engine.PlanLayout(cfg, opendecoder.New(&cfg))
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	prec := layout.Precision()
	fmt.Fprintf(w, "precision %s, %s, vocab %d padded to %d\n\n",
		prec, strategy(cfg), cfg.VocabSize, prec.PadVocab(cfg.VocabSize))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"REGION", "KIND", "OFFSET", "ELEMENTS", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, r := range layout.Regions() {
		if r.Bytes == 0 && !showEmpty {
			continue
		}
		table.Append([]string{
			r.Name,
			r.Kind.String(),
			strconv.Itoa(r.Offset),
			humanize.Comma(int64(r.Elems)),
			humanize.IBytes(uint64(r.Bytes)),
		})
	}
	table.Render()
	fmt.Fprintf(w, "\ntotal %s (%s bytes)\n", humanize.IBytes(uint64(layout.Total())), humanize.Comma(int64(layout.Total())))
	return nil
}
