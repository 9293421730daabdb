package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
)

// Tool names.
const (
	SearchCustomer       = "search_customer"
	CreateTicket         = "create_ticket"
	UpdateCustomerStatus = "update_customer_status"
	SendMessage          = "send_message"
	GetIncidentImpact    = "get_incident_impact"
)

// Options wires optional collaborators into the demo tools.
type Options struct {
	// Publisher, when set, receives every send_message payload.
	Publisher Publisher
	Subject   string
	Logger    *zap.Logger
}

// Build returns the demo tool table over crm.
func Build(crm *CRM, opts Options) []registry.Tool {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Subject == "" {
		opts.Subject = "toolgate.messages"
	}
	h := &handlers{crm: crm, opts: opts}

	customerSchema := map[string]any{
		"type":     "object",
		"required": []string{"id", "name", "status"},
		"properties": map[string]any{
			"id":     map[string]any{"type": "integer"},
			"name":   map[string]any{"type": "string"},
			"status": map[string]any{"type": "string"},
		},
	}

	return []registry.Tool{
		{
			Descriptor: registry.ToolDescriptor{
				Name:        SearchCustomer,
				Description: "Search customers by name substring.",
				InputSchema: map[string]any{
					"type":     "object",
					"required": []string{"query"},
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "minLength": 1},
					},
					"additionalProperties": false,
				},
				OutputSchema: map[string]any{
					"type":     "object",
					"required": []string{"results"},
					"properties": map[string]any{
						"results": map[string]any{"type": "array", "items": customerSchema},
					},
				},
				RiskTier: registry.RiskRead,
			},
			Handler: registry.HandlerFunc(h.searchCustomer),
		},
		{
			Descriptor: registry.ToolDescriptor{
				Name:        CreateTicket,
				Description: "Create a ticket for a customer. Supports Idempotency-Key header.",
				InputSchema: map[string]any{
					"type":     "object",
					"required": []string{"customer_id", "title"},
					"properties": map[string]any{
						"customer_id": map[string]any{"type": "integer"},
						"title":       map[string]any{"type": "string", "minLength": 3},
						"description": map[string]any{"type": "string"},
						"priority":    map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
					},
					"additionalProperties": false,
				},
				OutputSchema: map[string]any{
					"type":     "object",
					"required": []string{"ticket"},
					"properties": map[string]any{
						"ticket": map[string]any{
							"type":     "object",
							"required": []string{"id", "customer_id", "title", "priority", "created_at"},
						},
					},
				},
				RiskTier:   registry.RiskWrite,
				Idempotent: true,
			},
			Handler: registry.HandlerFunc(h.createTicket),
		},
		{
			Descriptor: registry.ToolDescriptor{
				Name:        UpdateCustomerStatus,
				Description: "Update a customer's status. Requires human approval.",
				InputSchema: map[string]any{
					"type":     "object",
					"required": []string{"customer_id", "new_status"},
					"properties": map[string]any{
						"customer_id": map[string]any{"type": "integer"},
						"new_status":  map[string]any{"type": "string", "minLength": 2},
					},
					"additionalProperties": false,
				},
				OutputSchema: map[string]any{
					"type":     "object",
					"required": []string{"customer"},
					"properties": map[string]any{
						"customer": customerSchema,
					},
				},
				RiskTier:         registry.RiskDestructive,
				RequiresApproval: true,
			},
			Handler: registry.CheckedHandler{
				HandlerFunc: h.updateCustomerStatus,
				Check:       h.customerExists,
			},
		},
		{
			Descriptor: registry.ToolDescriptor{
				Name:        SendMessage,
				Description: "Send a message to a channel.",
				InputSchema: map[string]any{
					"type":     "object",
					"required": []string{"channel", "message"},
					"properties": map[string]any{
						"channel": map[string]any{"type": "string", "minLength": 1},
						"message": map[string]any{"type": "string", "minLength": 1},
					},
					"additionalProperties": false,
				},
				OutputSchema: map[string]any{
					"type":     "object",
					"required": []string{"sent", "channel"},
				},
				RiskTier: registry.RiskWrite,
			},
			Handler: registry.HandlerFunc(h.sendMessage),
		},
		{
			Descriptor: registry.ToolDescriptor{
				Name:        GetIncidentImpact,
				Description: "Get which customers are affected by an incident.",
				InputSchema: map[string]any{
					"type":     "object",
					"required": []string{"incident_id"},
					"properties": map[string]any{
						"incident_id": map[string]any{"type": "string", "minLength": 1},
					},
					"additionalProperties": false,
				},
				OutputSchema: map[string]any{
					"type":     "object",
					"required": []string{"incident_id", "affected_customers"},
				},
				RiskTier: registry.RiskRead,
			},
			Handler: registry.HandlerFunc(h.getIncidentImpact),
		},
	}
}

type handlers struct {
	crm  *CRM
	opts Options
}

func decode(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

func (h *handlers) searchCustomer(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"results": h.crm.Search(in.Query)})
}

func (h *handlers) createTicket(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		CustomerID  int    `json:"customer_id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	t, err := h.crm.CreateTicket(in.CustomerID, in.Title, in.Description, in.Priority)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"ticket": t})
}

func (h *handlers) updateCustomerStatus(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		CustomerID int    `json:"customer_id"`
		NewStatus  string `json:"new_status"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	cust, err := h.crm.SetStatus(in.CustomerID, in.NewStatus)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"customer": cust})
}

// customerExists refuses a status change for an unknown customer before it
// reaches an approver.
func (h *handlers) customerExists(_ context.Context, args json.RawMessage) error {
	var in struct {
		CustomerID int `json:"customer_id"`
	}
	if err := decode(args, &in); err != nil {
		return err
	}
	_, err := h.crm.Customer(in.CustomerID)
	return err
}

func (h *handlers) sendMessage(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Channel string `json:"channel"`
		Message string `json:"message"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}

	if h.opts.Publisher != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		if err := h.opts.Publisher.Publish(ctx, h.opts.Subject+"."+subjectToken(in.Channel), body); err != nil {
			return nil, err
		}
	} else {
		h.opts.Logger.Info("send_message",
			zap.String("channel", in.Channel),
			zap.Int("length", len(in.Message)),
		)
	}
	return json.Marshal(map[string]any{"sent": true, "channel": in.Channel})
}

// subjectToken maps a channel name onto a single NATS subject token.
func subjectToken(channel string) string {
	out := []byte(channel)
	for i, b := range out {
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9', b == '-', b == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

func (h *handlers) getIncidentImpact(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		IncidentID string `json:"incident_id"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	// Every customer is treated as affected until incidents are modelled.
	return json.Marshal(map[string]any{
		"incident_id":        in.IncidentID,
		"affected_customers": h.crm.Customers(),
	})
}
