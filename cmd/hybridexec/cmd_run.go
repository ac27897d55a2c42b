package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hybridexec/internal/types"
)

var (
	runTier string
	runJSON bool
)

// runCmd executes one prompt in-process and streams its output.
var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Execute a single prompt and print its output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPrompt,
}

func init() {
	runCmd.Flags().StringVarP(&runTier, "tier", "t", "userInitiated", "priority tier (systemCritical, userInitiated, background)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print every partial result as a JSON line")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	tier, err := types.ParseTier(runTier)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger, os.Stderr)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, false, "") }()

	id, results, err := a.manager.Execute(ctx, strings.Join(args, " "), tier)
	if err != nil {
		cancel()
		<-done
		return err
	}
	logger.Debug("Submitted", zap.String("id", id), zap.Stringer("tier", tier))

	final, err := printResults(cmd.OutOrStdout(), results, runJSON)
	cancel()
	if rerr := <-done; rerr != nil {
		logger.Warn("Manager shutdown", zap.Error(rerr))
	}
	if err != nil {
		return err
	}
	if final.Outcome != types.OutcomeCompletion {
		return fmt.Errorf("execution %s ended with %s: %s", id, final.Outcome, final.Reason)
	}
	return nil
}

// printResults drains results to w and returns the terminal result.
func printResults(w io.Writer, results <-chan types.PartialResult, asJSON bool) (types.PartialResult, error) {
	enc := json.NewEncoder(w)
	var last types.PartialResult
	for r := range results {
		last = r
		if asJSON {
			if err := enc.Encode(r); err != nil {
				return last, err
			}
			continue
		}
		if r.Final {
			if r.Placement == "" {
				fmt.Fprintf(w, "\n[%s]\n", r.Outcome)
			} else {
				fmt.Fprintf(w, "\n[%s via %s]\n", r.Outcome, r.Placement)
			}
			continue
		}
		fmt.Fprint(w, r.Text)
	}
	if !last.Final {
		return last, fmt.Errorf("result stream closed before a terminal result")
	}
	return last, nil
}
