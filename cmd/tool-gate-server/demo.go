package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/tool_gate/internal/config"
	"github.com/triage-ai/palisade/services/tool_gate/internal/gate"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tools"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the scripted support-agent flow twice against a running gate",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		url, _ := cmd.Flags().GetString("url")
		if url == "" {
			url = "http://127.0.0.1:" + cfg.Server.HTTPPort
		}
		key, _ := cmd.Flags().GetString("api-key")
		if key == "" {
			key = cfg.Auth.APIKey
		}
		dedup, _ := cmd.Flags().GetString("idempotency-key")

		c := &demoClient{http: &http.Client{Timeout: 30 * time.Second}, baseURL: strings.TrimRight(url, "/"), apiKey: key}
		for run := 1; run <= 2; run++ {
			fmt.Fprintf(cmd.OutOrStdout(), "--- run %d ---\n", run)
			if err := runScenario(cmd.Context(), c, cmd.OutOrStdout(), "ACME", dedup); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	demoCmd.Flags().String("url", "", "gate base URL (default from config)")
	demoCmd.Flags().String("api-key", "", "credential (default from config)")
	demoCmd.Flags().String("idempotency-key", "demo-acme-ticket-001", "dedup token for the ticket step")
}

// demoClient speaks the gate's HTTP surface.
type demoClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

type demoResult struct {
	code int
	resp gate.Response
	raw  string
}

func (c *demoClient) post(ctx context.Context, path string, body any, headers map[string]string) (demoResult, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return demoResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return demoResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return demoResult{}, fmt.Errorf("POST %s: %w", path, err)
	}
	defer func() { _ = res.Body.Close() }()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return demoResult{}, fmt.Errorf("POST %s: %w", path, err)
	}

	out := demoResult{code: res.StatusCode, raw: strings.TrimSpace(string(raw))}
	if res.StatusCode < 300 {
		if err := json.Unmarshal(raw, &out.resp); err != nil {
			return demoResult{}, fmt.Errorf("POST %s: decode: %w", path, err)
		}
	}
	return out, nil
}

func expectStatus(step string, r demoResult, want ...int) error {
	for _, code := range want {
		if r.code == code {
			return nil
		}
	}
	return fmt.Errorf("%s: unexpected HTTP %d: %s", step, r.code, r.raw)
}

// runScenario finds a customer, files an idempotent ticket, moves the
// customer to Investigating through the approval flow and posts a note.
// The approval step stands in for a human operator.
func runScenario(ctx context.Context, c *demoClient, w io.Writer, customerName, dedupToken string) error {
	r, err := c.post(ctx, "/tools/"+tools.SearchCustomer, map[string]any{"query": customerName}, nil)
	if err != nil {
		return err
	}
	if err := expectStatus("search", r, http.StatusOK); err != nil {
		return err
	}
	var found struct {
		Results []tools.Customer `json:"results"`
	}
	if err := json.Unmarshal(r.resp.Payload, &found); err != nil {
		return fmt.Errorf("search: decode: %w", err)
	}
	if len(found.Results) == 0 {
		fmt.Fprintf(w, "no customer matches %q\n", customerName)
		return nil
	}
	customer := found.Results[0]
	fmt.Fprintf(w, "customer: %d %s (%s)\n", customer.ID, customer.Name, customer.Status)

	r, err = c.post(ctx, "/tools/"+tools.CreateTicket, map[string]any{
		"customer_id": customer.ID,
		"title":       "Customer reports latency issues",
		"description": "Customer reports increased latency in the product. Please investigate.",
		"priority":    "high",
	}, map[string]string{"Idempotency-Key": dedupToken})
	if err != nil {
		return err
	}
	if err := expectStatus("ticket", r, http.StatusOK); err != nil {
		return err
	}
	fmt.Fprintf(w, "ticket: replay=%t %s\n", r.resp.IdempotentReplay, r.resp.Payload)

	r, err = c.post(ctx, "/tools/"+tools.UpdateCustomerStatus, map[string]any{
		"customer_id": customer.ID,
		"new_status":  "Investigating",
	}, nil)
	if err != nil {
		return err
	}
	if err := expectStatus("status", r, http.StatusOK, http.StatusAccepted); err != nil {
		return err
	}
	if r.resp.Status == gate.StatusRequiresConfirmation {
		fmt.Fprintf(w, "status change needs approval: %s\n", r.resp.PendingActionID)
		r, err = c.post(ctx, "/confirm/"+r.resp.PendingActionID, map[string]any{"approve": true}, nil)
		if err != nil {
			return err
		}
		if err := expectStatus("confirm", r, http.StatusOK); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "status: %s\n", r.resp.Payload)

	r, err = c.post(ctx, "/tools/"+tools.SendMessage, map[string]any{
		"channel": "#support",
		"message": fmt.Sprintf("Created ticket for %s and set status to Investigating.", customer.Name),
	}, nil)
	if err != nil {
		return err
	}
	// A deployment may leave send_message off the allowlist.
	if err := expectStatus("message", r, http.StatusOK, http.StatusForbidden); err != nil {
		return err
	}
	if r.code == http.StatusForbidden {
		fmt.Fprintf(w, "message: refused: %s\n", r.raw)
		return nil
	}
	fmt.Fprintf(w, "message: %s\n", r.resp.Payload)
	return nil
}
