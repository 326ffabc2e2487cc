package opencollective

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-faster/errors"

	"opencollective/server/internal/broker"
	"opencollective/server/internal/jsonrpc"
	"opencollective/server/internal/modules"
	"opencollective/server/internal/tokenstore"
	"opencollective/server/pkg/opencollectiveapi"
)

const (
	apiVersion = "v2"
)

// ClientFactory returns the client tools run against. It is called once per
// tool call, so a token stored after startup is picked up without a restart.
type ClientFactory func(ctx context.Context) (*opencollectiveapi.Client, error)

// OpenCollectiveModule implements the Module interface for the OpenCollective
// GraphQL API.
type OpenCollectiveModule struct {
	client ClientFactory
}

// New creates a new OpenCollectiveModule backed by factory.
func New(factory ClientFactory) *OpenCollectiveModule {
	return &OpenCollectiveModule{client: factory}
}

// Module descriptions
var moduleDescriptions = modules.LocalizedText{
	"en-US": "OpenCollective API - Collectives, expenses (list, create, approve, reject, delete) and payout methods",
}

// Name returns the module name
func (m *OpenCollectiveModule) Name() string {
	return "opencollective"
}

// Descriptions returns the module descriptions in all languages
func (m *OpenCollectiveModule) Descriptions() modules.LocalizedText {
	return moduleDescriptions
}

// Description returns the module description (English)
func (m *OpenCollectiveModule) Description() string {
	return moduleDescriptions[modules.DefaultLanguage]
}

// APIVersion returns the OpenCollective API version
func (m *OpenCollectiveModule) APIVersion() string {
	return apiVersion
}

// Tools returns all available tools
func (m *OpenCollectiveModule) Tools() []modules.Tool {
	return toolDefinitions
}

// ExecuteTool executes a tool by name and returns JSON response
func (m *OpenCollectiveModule) ExecuteTool(ctx context.Context, name string, params map[string]any) (string, error) {
	handler, ok := toolHandlers[name]
	if !ok {
		return "", errors.Errorf("unknown tool: %s", name)
	}
	c, err := m.client(ctx)
	if err != nil {
		log.Printf("[opencollective] client unavailable: %v", err)
		return "", toolError(err)
	}
	out, err := handler(ctx, c, params)
	if err != nil {
		return "", toolError(err)
	}
	return out, nil
}

// ToCompact converts JSON result to compact format (Markdown)
// Implements modules.CompactConverter interface
func (m *OpenCollectiveModule) ToCompact(toolName string, jsonResult string) string {
	return formatCompact(toolName, jsonResult)
}

// =============================================================================
// Errors
// =============================================================================

// rpcError is a tool failure reported to the MCP client as a JSON-RPC error.
type rpcError struct {
	code int
	err  error
}

func (e *rpcError) Error() string { return e.err.Error() }
func (e *rpcError) Unwrap() error { return e.err }
func (e *rpcError) RPCCode() int  { return e.code }

// toolError maps failures that no retry by the caller can fix to JSON-RPC
// errors. Validation, GraphQL and not-found errors stay tool results.
func toolError(err error) error {
	var te *opencollectiveapi.TransportError
	switch {
	case errors.Is(err, tokenstore.ErrNotFound), broker.IsTerminal(err), tokenstore.IsCorrupt(err):
		return &rpcError{
			code: jsonrpc.ErrAuthorizationRequired,
			err:  errors.Wrap(err, "authorization required, visit /oauth/start"),
		}
	case errors.As(err, &te):
		return &rpcError{code: jsonrpc.ErrUpstream, err: err}
	default:
		return err
	}
}

var toJSON = modules.ToJSON

// =============================================================================
// Tool Definitions
// =============================================================================

var expenseStatusEnum = []string{
	"DRAFT", "UNVERIFIED", "PENDING", "INCOMPLETE", "APPROVED", "REJECTED",
	"PROCESSING", "ERROR", "PAID", "SCHEDULED_FOR_PAYMENT", "SPAM", "CANCELED",
	"READY_TO_PAY", "ON_HOLD", "INVITE_DECLINED",
}

var expenseTypeEnum = []string{
	"RECEIPT", "INVOICE", "FUNDING_REQUEST", "GRANT", "UNCLASSIFIED", "CHARGE", "SETTLEMENT",
}

var (
	slugProp      = modules.Property{Type: "string", Description: "Collective slug (e.g. 'babel')"}
	expenseIDProp = modules.Property{Type: "string", Description: "Canonical expense id (not the numeric legacy id)"}
	legacyIDProp  = modules.Property{Type: "integer", Description: "Numeric legacy expense id"}
	limitProp     = modules.Property{Type: "integer", Description: "Page size (default 50)"}
)

var expenseItemProp = modules.Property{
	Type: "object",
	Properties: map[string]modules.Property{
		"description":  {Type: "string", Description: "Line description (defaults to the expense description)"},
		"amount_cents": {Type: "integer", Description: "Line amount in cents"},
		"incurred_at":  {Type: "string", Description: "Date of this line (YYYY-MM-DD or RFC 3339)"},
		"url":          {Type: "string", Description: "URL of the receipt for this line, already uploaded to OpenCollective"},
	},
	Required: []string{"amount_cents"},
}

var toolDefinitions = []modules.Tool{
	// Collectives
	{
		ID:   "opencollective:get_collective",
		Name: "get_collective",
		Descriptions: modules.LocalizedText{
			"en-US": "Get a collective's id, name, description and currency by slug.",
		},
		Annotations: modules.AnnotateReadOnly,
		InputSchema: modules.InputSchema{
			Type:       "object",
			Properties: map[string]modules.Property{"slug": slugProp},
			Required:   []string{"slug"},
		},
	},
	// Expenses
	{
		ID:   "opencollective:get_expenses",
		Name: "get_expenses",
		Descriptions: modules.LocalizedText{
			"en-US": "List expenses submitted to a collective, newest first. Amounts are in cents.",
		},
		Annotations: modules.AnnotateReadOnly,
		InputSchema: modules.InputSchema{
			Type: "object",
			Properties: map[string]modules.Property{
				"slug":      slugProp,
				"limit":     limitProp,
				"offset":    {Type: "integer", Description: "Number of expenses to skip"},
				"status":    {Type: "string", Description: "Filter by status", Enum: expenseStatusEnum},
				"date_from": {Type: "string", Description: "Only expenses created on or after this date (YYYY-MM-DD or RFC 3339)"},
			},
			Required: []string{"slug"},
		},
	},
	{
		ID:   "opencollective:get_pending_expenses",
		Name: "get_pending_expenses",
		Descriptions: modules.LocalizedText{
			"en-US": "List a collective's expenses waiting for approval.",
		},
		Annotations: modules.AnnotateReadOnly,
		InputSchema: modules.InputSchema{
			Type:       "object",
			Properties: map[string]modules.Property{"slug": slugProp},
			Required:   []string{"slug"},
		},
	},
	{
		ID:   "opencollective:get_my_expenses",
		Name: "get_my_expenses",
		Descriptions: modules.LocalizedText{
			"en-US": "List expenses in a collective paid to the given payee, or to the authenticated account when payee_slug is omitted.",
		},
		Annotations: modules.AnnotateReadOnly,
		InputSchema: modules.InputSchema{
			Type: "object",
			Properties: map[string]modules.Property{
				"slug":       slugProp,
				"payee_slug": {Type: "string", Description: "Payee account slug"},
				"limit":      limitProp,
			},
			Required: []string{"slug"},
		},
	},
	{
		ID:   "opencollective:get_expense",
		Name: "get_expense",
		Descriptions: modules.LocalizedText{
			"en-US": "Get one expense by its numeric legacy id (the number in the expense URL).",
		},
		Annotations: modules.AnnotateReadOnly,
		InputSchema: modules.InputSchema{
			Type:       "object",
			Properties: map[string]modules.Property{"legacy_id": legacyIDProp},
			Required:   []string{"legacy_id"},
		},
	},
	{
		ID:   "opencollective:get_expense_items",
		Name: "get_expense_items",
		Descriptions: modules.LocalizedText{
			"en-US": "List the line items of an expense by its numeric legacy id. Amounts are in cents.",
		},
		Annotations: modules.AnnotateReadOnly,
		InputSchema: modules.InputSchema{
			Type:       "object",
			Properties: map[string]modules.Property{"legacy_id": legacyIDProp},
			Required:   []string{"legacy_id"},
		},
	},
	{
		ID:   "opencollective:create_expense",
		Name: "create_expense",
		Descriptions: modules.LocalizedText{
			"en-US": "Submit a new expense to a collective. Amounts are integer numbers of cents and are sent unchanged. Pass items for a multi-line reimbursement, otherwise amount_cents becomes a single line.",
		},
		Annotations: modules.AnnotateCreate,
		InputSchema: modules.InputSchema{
			Type: "object",
			Properties: map[string]modules.Property{
				"collective_slug":  {Type: "string", Description: "Collective the expense is submitted to"},
				"payee_slug":       {Type: "string", Description: "Account that gets paid"},
				"description":      {Type: "string", Description: "Expense title"},
				"amount_cents":     {Type: "integer", Description: "Total in cents (1000 = 10.00). Required without items; with items it must equal their sum"},
				"items":            {Type: "array", Description: "Line items, each with its own amount, date and receipt", Items: &expenseItemProp},
				"type":             {Type: "string", Description: "Expense type (default RECEIPT)", Enum: expenseTypeEnum},
				"currency":         {Type: "string", Description: "ISO 4217 code (defaults to the collective's)"},
				"tags":             {Type: "array", Description: "Tags", Items: &modules.Property{Type: "string"}},
				"incurred_at":      {Type: "string", Description: "Date the expense was incurred (YYYY-MM-DD or RFC 3339)"},
				"payout_method_id": {Type: "string", Description: "Saved payout method id (see get_payout_methods)"},
				"attachment_urls":  {Type: "array", Description: "URLs of receipts already uploaded to OpenCollective", Items: &modules.Property{Type: "string"}},
				"invoice_url":      {Type: "string", Description: "URL of an invoice already uploaded to OpenCollective"},
			},
			Required: []string{"collective_slug", "payee_slug", "description"},
		},
	},
	{
		ID:   "opencollective:approve_expense",
		Name: "approve_expense",
		Descriptions: modules.LocalizedText{
			"en-US": "Approve a pending expense.",
		},
		Annotations: modules.AnnotateUpdate,
		InputSchema: modules.InputSchema{
			Type:       "object",
			Properties: map[string]modules.Property{"expense_id": expenseIDProp},
			Required:   []string{"expense_id"},
		},
	},
	{
		ID:   "opencollective:reject_expense",
		Name: "reject_expense",
		Descriptions: modules.LocalizedText{
			"en-US": "Reject a pending expense, optionally with a message to the submitter.",
		},
		Annotations: modules.AnnotateUpdate,
		InputSchema: modules.InputSchema{
			Type: "object",
			Properties: map[string]modules.Property{
				"expense_id": expenseIDProp,
				"message":    {Type: "string", Description: "Reason shown to the submitter"},
			},
			Required: []string{"expense_id"},
		},
	},
	{
		ID:   "opencollective:delete_expense",
		Name: "delete_expense",
		Descriptions: modules.LocalizedText{
			"en-US": "Delete an expense that has not been processed yet.",
		},
		Annotations: modules.AnnotateDelete,
		InputSchema: modules.InputSchema{
			Type:       "object",
			Properties: map[string]modules.Property{"expense_id": expenseIDProp},
			Required:   []string{"expense_id"},
		},
	},
	// Accounts
	{
		ID:   "opencollective:get_me",
		Name: "get_me",
		Descriptions: modules.LocalizedText{
			"en-US": "Get the account the stored token belongs to.",
		},
		Annotations: modules.AnnotateReadOnly,
		InputSchema: modules.InputSchema{
			Type:       "object",
			Properties: map[string]modules.Property{},
		},
	},
	{
		ID:   "opencollective:get_payout_methods",
		Name: "get_payout_methods",
		Descriptions: modules.LocalizedText{
			"en-US": "List saved payout methods of an account (the authenticated account when slug is omitted).",
		},
		Annotations: modules.AnnotateReadOnly,
		InputSchema: modules.InputSchema{
			Type: "object",
			Properties: map[string]modules.Property{
				"slug": {Type: "string", Description: "Account slug"},
			},
		},
	},
}

// =============================================================================
// Tool Handlers
// =============================================================================

type toolHandler func(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error)

var toolHandlers = map[string]toolHandler{
	// Collectives
	"get_collective": getCollective,
	// Expenses
	"get_expenses":         getExpenses,
	"get_pending_expenses": getPendingExpenses,
	"get_my_expenses":      getMyExpenses,
	"get_expense":          getExpense,
	"get_expense_items":    getExpenseItems,
	"create_expense":       createExpense,
	"approve_expense":      approveExpense,
	"reject_expense":       rejectExpense,
	"delete_expense":       deleteExpense,
	// Accounts
	"get_me":             getMe,
	"get_payout_methods": getPayoutMethods,
}

// =============================================================================
// Collectives
// =============================================================================

func getCollective(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	res, err := c.GetCollective(ctx, modules.StringParam(params, "slug"))
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

// =============================================================================
// Expenses
// =============================================================================

func getExpenses(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	dateFrom, err := parseDate(params, "date_from")
	if err != nil {
		return "", err
	}
	res, err := c.GetExpenses(ctx, modules.StringParam(params, "slug"), opencollectiveapi.ExpensesQuery{
		Limit:    int(modules.IntParam(params, "limit", 0)),
		Offset:   int(modules.IntParam(params, "offset", 0)),
		Status:   modules.StringParam(params, "status"),
		DateFrom: dateFrom,
	})
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func getPendingExpenses(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	res, err := c.GetPendingExpenses(ctx, modules.StringParam(params, "slug"))
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func getMyExpenses(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	payee := modules.StringParam(params, "payee_slug")
	if payee == "" {
		me, err := c.GetMe(ctx)
		if err != nil {
			return "", err
		}
		payee = me.Slug
	}
	res, err := c.GetMyExpenses(ctx, modules.StringParam(params, "slug"), payee, int(modules.IntParam(params, "limit", 0)))
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func getExpense(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	res, err := c.GetExpense(ctx, modules.IntParam(params, "legacy_id", 0))
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func getExpenseItems(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	res, err := c.GetExpenseItems(ctx, modules.IntParam(params, "legacy_id", 0))
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func createExpense(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	incurredAt, err := parseDate(params, "incurred_at")
	if err != nil {
		return "", err
	}
	items, err := parseItems(params)
	if err != nil {
		return "", err
	}
	if params["amount_cents"] == nil && len(items) == 0 {
		return "", &opencollectiveapi.ValidationError{Field: "amount_cents", Reason: "required when items is omitted"}
	}
	res, err := c.CreateExpense(ctx, opencollectiveapi.CreateExpenseInput{
		CollectiveSlug: modules.StringParam(params, "collective_slug"),
		PayeeSlug:      modules.StringParam(params, "payee_slug"),
		Description:    modules.StringParam(params, "description"),
		AmountCents:    modules.IntParam(params, "amount_cents", 0),
		Items:          items,
		Type:           modules.StringParam(params, "type"),
		Currency:       modules.StringParam(params, "currency"),
		Tags:           modules.StringSliceParam(params, "tags"),
		IncurredAt:     incurredAt,
		PayoutMethodID: modules.StringParam(params, "payout_method_id"),
		AttachmentURLs: modules.StringSliceParam(params, "attachment_urls"),
		InvoiceURL:     modules.StringParam(params, "invoice_url"),
	})
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func approveExpense(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	res, err := c.ApproveExpense(ctx, modules.StringParam(params, "expense_id"))
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func rejectExpense(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	res, err := c.RejectExpense(ctx, modules.StringParam(params, "expense_id"), modules.StringParam(params, "message"))
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func deleteExpense(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	res, err := c.DeleteExpense(ctx, modules.StringParam(params, "expense_id"))
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

// =============================================================================
// Accounts
// =============================================================================

func getMe(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	res, err := c.GetMe(ctx)
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

func getPayoutMethods(ctx context.Context, c *opencollectiveapi.Client, params map[string]any) (string, error) {
	slug := modules.StringParam(params, "slug")
	if slug == "" {
		me, err := c.GetMe(ctx)
		if err != nil {
			return "", err
		}
		slug = me.Slug
	}
	res, err := c.GetPayoutMethods(ctx, slug)
	if err != nil {
		return "", err
	}
	return toJSON(res)
}

// =============================================================================
// Helpers
// =============================================================================

// parseItems reads the optional items array of create_expense.
func parseItems(params map[string]any) ([]opencollectiveapi.ExpenseItemInput, error) {
	raw, ok := modules.ObjectSliceParam(params, "items")
	if !ok {
		return nil, &opencollectiveapi.ValidationError{Field: "items", Reason: "every item must be an object"}
	}
	items := make([]opencollectiveapi.ExpenseItemInput, 0, len(raw))
	for i, obj := range raw {
		field := fmt.Sprintf("items[%d]", i)
		amount, ok := modules.IntegerValue(obj["amount_cents"])
		if !ok {
			return nil, &opencollectiveapi.ValidationError{Field: field + ".amount_cents", Reason: "must be an integer number of cents"}
		}
		incurredAt, err := parseDate(obj, "incurred_at")
		if err != nil {
			return nil, &opencollectiveapi.ValidationError{Field: field + ".incurred_at", Reason: "expected YYYY-MM-DD or RFC 3339"}
		}
		items = append(items, opencollectiveapi.ExpenseItemInput{
			Description: modules.StringParam(obj, "description"),
			AmountCents: amount,
			IncurredAt:  incurredAt,
			URL:         modules.StringParam(obj, "url"),
		})
	}
	return items, nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339. Absent means zero time.
func parseDate(params map[string]any, key string) (time.Time, error) {
	s := modules.StringParam(params, key)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &opencollectiveapi.ValidationError{Field: key, Reason: "expected YYYY-MM-DD or RFC 3339, got " + s}
	}
	return t, nil
}
