package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/autopatch/internal/audit"
)

func newAuditCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify [file]",
		Short: "Verify the hash chain of an audit log",
		Long: `Verify recomputes every entry hash and checks the links between entries.
Without an argument it checks audit.jsonl in the configured audit_dir.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := c.loadConfig()
				if err != nil {
					return &exitError{code: exitUsage, err: err}
				}
				if cfg.AuditDir == "" {
					return &exitError{code: exitUsage, err: errors.New("no audit file given and audit_dir is not configured")}
				}
				path = filepath.Join(cfg.AuditDir, audit.FileName)
			}

			n, err := audit.Verify(path)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			fmt.Fprintf(c.stdout, "ok: %d entries\n", n)
			return nil
		},
	}

	cmd.AddCommand(verifyCmd)
	return cmd
}
