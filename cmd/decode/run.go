package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/engine"
	"github.com/23skdu/longbow-decoding/internal/logger"
	"github.com/23skdu/longbow-decoding/internal/monitoring"
	"github.com/23skdu/longbow-decoding/internal/opendecoder"
	"github.com/23skdu/longbow-decoding/internal/publish"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate sequences from a randomly initialized decoder",
		Args:  cobra.NoArgs,
		RunE:  RunHandler,
	}
	addModelFlags(cmd)
	cmd.Flags().Int("iterations", 1, "Generation calls to run on the same engine")
	cmd.Flags().Uint64("weights-seed", 1, "Seed for the synthetic weights")
	cmd.Flags().String("metrics-addr", "", "Serve /health, /status and /metrics on this address")
	cmd.Flags().String("flight-addr", "", "Publish every generation to this Arrow Flight endpoint")
	return cmd
}

// RunHandler builds an engine over the synthetic model and runs the
// requested generations.
func RunHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	iterations, _ := cmd.Flags().GetInt("iterations")
	weightsSeed, _ := cmd.Flags().GetUint64("weights-seed")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	flightAddr, _ := cmd.Flags().GetString("flight-addr")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.NewEngine(cfg, opendecoder.New(&cfg))
	if err != nil {
		return err
	}
	defer e.Close()

	monitor := monitoring.NewHealthMonitor(e, monitoring.DefaultThresholds())
	if metricsAddr != "" {
		go func() {
			if err := monitor.Start(metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error("Health monitor stopped", "error", err)
			}
		}()
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = monitor.Stop(shutdown)
		}()
	}

	var pub publish.Publisher
	if flightAddr != "" {
		fp, err := publish.Dial(flightAddr)
		if err != nil {
			return err
		}
		pub = fp
		defer pub.Close()
	}

	m := syntheticModel(cfg, e.Precision(), weightsSeed)
	out := cmd.OutOrStdout()
	for i := 0; i < iterations; i++ {
		p := m.params()
		start := time.Now()
		if err := e.Generate(ctx, m.layers, p); err != nil {
			monitor.RecordGenerationError(err)
			return fmt.Errorf("generation %d: %w", i, err)
		}
		dur := time.Since(start)

		st := e.Stats()
		tokens := 0
		for _, n := range p.SequenceLengths {
			tokens += int(n)
		}
		monitor.RecordGeneration(tokens, st.LastSteps, dur)
		monitor.RecordDeviceMemory(e.DeviceMemory(), cfg.MaxMemory)

		res := publish.Result{
			Generation: uuid.NewString(),
			Batch:      cfg.BatchSize,
			MaxSeqLen:  cfg.MaxSeqLen,
			OutputIDs:  p.OutputIDs,
			Lengths:    p.SequenceLengths,
		}
		printResult(out, res, st, dur)
		if pub != nil {
			if err := pub.Publish(ctx, res); err != nil {
				return err
			}
		}
	}
	printAlerts(out, monitor.Status().Alerts)
	return nil
}

func printAlerts(w io.Writer, alerts []monitoring.Alert) {
	for _, a := range alerts {
		if !a.Resolved {
			fmt.Fprintf(w, "%s %s: %s\n", a.Level, a.Component, a.Message)
		}
	}
}

func printResult(w io.Writer, res publish.Result, st engine.Stats, dur time.Duration) {
	fmt.Fprintf(w, "generation %s: %d steps in %s", res.Generation, st.LastSteps, dur.Round(time.Microsecond))
	if st.LastEarlyExit > 0 {
		fmt.Fprint(w, " (all finished early)")
	}
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"SEQ", "LENGTH", "TOKENS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for b := 0; b < res.Batch; b++ {
		ids := res.Tokens(b)
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = strconv.Itoa(int(id))
		}
		table.Append([]string{strconv.Itoa(b), strconv.Itoa(int(res.Lengths[b])), strings.Join(strs, " ")})
	}
	table.Render()
	fmt.Fprintf(w, "arena %s, %s generations so far\n\n",
		humanize.IBytes(uint64(st.ArenaBytes)), humanize.Comma(st.Generations))
}

// strategy names the sampling mode of cfg for display.
func strategy(cfg config.Config) string {
	if cfg.IsTopK() {
		return fmt.Sprintf("top-k %d", cfg.CandidateNum)
	}
	return fmt.Sprintf("top-p %g", cfg.ProbabilityThreshold)
}
