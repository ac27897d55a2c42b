package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hybridexec/internal/executor"
)

var statusJSON bool

// statusCmd queries a running server for its snapshot.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the snapshot of a running hybridexec server",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw snapshot JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := v.GetString("addr")
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Server.Addr
	}
	snap, raw, err := fetchSnapshot(cmd.Context(), addr)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if statusJSON {
		_, err := out.Write(raw)
		return err
	}
	printSnapshot(out, snap)
	return nil
}

func fetchSnapshot(ctx context.Context, addr string) (executor.Snapshot, []byte, error) {
	var snap executor.Snapshot
	if !strings.Contains(addr, "://") {
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
		addr = "http://" + addr
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/v1/snapshot", nil)
	if err != nil {
		return snap, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return snap, nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return snap, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return snap, nil, fmt.Errorf("snapshot request failed: %s", resp.Status)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, raw, nil
}

func printSnapshot(w io.Writer, s executor.Snapshot) {
	running := "idle"
	if s.RunningTier != nil {
		running = fmt.Sprintf("%s (%s)", s.RunningID, s.RunningTier)
	}
	fmt.Fprintf(w, "Running:    %s\n", running)
	fmt.Fprintf(w, "Safe mode:  %v\n", s.SafeMode)

	tiers := make([]string, 0, len(s.QueueDepthsByTier))
	for t := range s.QueueDepthsByTier {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	fmt.Fprintln(w, "Queued:")
	for _, t := range tiers {
		fmt.Fprintf(w, "  %-16s %d\n", t, s.QueueDepthsByTier[t])
	}
	fmt.Fprintf(w, "Cache:      %d resident, %d in use\n", s.CacheOccupancy.Resident, s.CacheOccupancy.InUse)
	for _, warn := range s.Warnings {
		fmt.Fprintf(w, "WARNING: %s\n", warn)
	}
}
