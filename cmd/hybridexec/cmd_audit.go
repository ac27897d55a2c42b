package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"hybridexec/internal/audit"
)

var (
	auditLimit int
	auditJSON  bool
)

// auditCmd inspects the SQLite audit trail.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
	Long: `Inspect the tamper-evident audit trail.

Subcommands:
  verify - Recompute the hash chain and report the first broken row
  tail   - Print the most recent events`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit hash chain",
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent audit events",
	RunE:  runAuditTail,
}

func init() {
	auditTailCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "number of events to print (0 for all)")
	auditTailCmd.Flags().BoolVar(&auditJSON, "json", false, "print events as JSON lines")
	auditCmd.AddCommand(auditVerifyCmd, auditTailCmd)
}

func openAuditDB() (*audit.SQLiteSink, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Audit.Path == "" {
		return nil, errors.New("audit.path is not configured")
	}
	return audit.OpenSQLite(cfg.Audit.Driver, cfg.Audit.Path)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	db, err := openAuditDB()
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.Verify(cmd.Context())
	out := cmd.OutOrStdout()
	if errors.Is(err, audit.ErrChainBroken) {
		fmt.Fprintf(out, "BROKEN at seq %d after %d valid event(s)\n", res.BrokenAt, res.Events)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "OK: %d event(s), head %s\n", res.Events, res.Head)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	db, err := openAuditDB()
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.Events(cmd.Context(), auditLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	for _, e := range events {
		if auditJSON {
			if err := enc.Encode(e); err != nil {
				return err
			}
			continue
		}
		line := fmt.Sprintf("%s  %-22s %-14s %s", e.Time.Format("2006-01-02T15:04:05.000"), e.Type, e.Tier, e.RequestID)
		if e.Outcome != "" {
			line += "  " + string(e.Outcome)
		}
		if e.Placement != "" {
			line += "  " + string(e.Placement)
		}
		if len(e.Fields) > 0 {
			keys := make([]string, 0, len(e.Fields))
			for k := range e.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys))
			for _, k := range keys {
				parts = append(parts, k+"="+e.Fields[k])
			}
			line += "  " + strings.Join(parts, " ")
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
