package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gate/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gate/internal/config"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tools"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the tool discovery document as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := registry.New(tools.Build(tools.NewCRM(), tools.Options{Logger: zap.NewNop()})...)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"tools": reg.Discovery()})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the newest audit events as JSON lines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			path = cfg.Audit.Path
		}
		events, err := audit.ReadFile(path)
		if err != nil {
			return err
		}
		return writeTail(cmd.OutOrStdout(), events, n)
	},
}

func init() {
	auditTailCmd.Flags().IntP("lines", "n", 20, "number of events to print")
	auditTailCmd.Flags().String("file", "", "audit log path (default from config)")
	auditCmd.AddCommand(auditTailCmd)
}

// writeTail writes the last n events, oldest first.
func writeTail(w io.Writer, events []audit.Event, n int) error {
	if n >= 0 && n < len(events) {
		events = events[len(events)-n:]
	}
	enc := json.NewEncoder(w)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return err
		}
	}
	return nil
}
