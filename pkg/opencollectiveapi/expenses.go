package opencollectiveapi

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// DefaultExpenseLimit is the page size used when ExpensesQuery.Limit is zero.
const DefaultExpenseLimit = 50

// GetCollective fetches a collective by slug.
func (c *Client) GetCollective(ctx context.Context, slug string) (*Collective, error) {
	if err := requireString("slug", slug); err != nil {
		return nil, err
	}
	var out Collective
	found, err := c.query(ctx, Envelope{
		Query:     queryCollective,
		Variables: map[string]any{"slug": slug},
		Operation: "GetCollective",
	}, "collective", &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Kind: "collective", Key: slug}
	}
	return &out, nil
}

// ExpensesQuery filters an expenses listing.
type ExpensesQuery struct {
	// Limit is the page size: zero means DefaultExpenseLimit, negative is
	// rejected. Values above the server cap are sent as is.
	Limit    int
	Offset   int
	Status   string    // an ExpenseStatusFilter value, e.g. PENDING
	DateFrom time.Time // zero means unbounded
}

func (q ExpensesQuery) variables(slug string) (map[string]any, error) {
	if err := requireString("slug", slug); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultExpenseLimit
	}
	if limit < 0 {
		return nil, &ValidationError{Field: "limit", Reason: "must be a positive integer"}
	}
	if q.Offset < 0 {
		return nil, &ValidationError{Field: "offset", Reason: "must not be negative"}
	}

	vars := map[string]any{
		"account": map[string]any{"slug": slug},
		"limit":   limit,
		"offset":  q.Offset,
	}
	if q.Status != "" {
		status := strings.ToUpper(q.Status)
		if !expenseStatuses[status] {
			return nil, &ValidationError{Field: "status", Reason: "unknown expense status " + q.Status}
		}
		vars["status"] = []string{status}
	}
	if !q.DateFrom.IsZero() {
		vars["dateFrom"] = q.DateFrom.UTC().Format(time.RFC3339)
	}
	return vars, nil
}

// GetExpenses lists expenses submitted to a collective, newest first.
func (c *Client) GetExpenses(ctx context.Context, slug string, q ExpensesQuery) (*ExpensePage, error) {
	vars, err := q.variables(slug)
	if err != nil {
		return nil, err
	}
	var page ExpensePage
	found, err := c.query(ctx, Envelope{
		Query:     queryExpenses,
		Variables: vars,
		Operation: "GetExpenses",
	}, "expenses", &page)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Kind: "collective", Key: slug}
	}
	if page.Nodes == nil {
		page.Nodes = []Expense{}
	}
	return &page, nil
}

// GetPendingExpenses returns the nodes of GetExpenses filtered to PENDING.
func (c *Client) GetPendingExpenses(ctx context.Context, slug string) ([]Expense, error) {
	page, err := c.GetExpenses(ctx, slug, ExpensesQuery{Status: "PENDING"})
	if err != nil {
		return nil, err
	}
	return page.Nodes, nil
}

// GetMyExpenses lists expenses in a collective whose payee is payeeSlug.
func (c *Client) GetMyExpenses(ctx context.Context, slug, payeeSlug string, limit int) ([]Expense, error) {
	if err := requireString("payee_slug", payeeSlug); err != nil {
		return nil, err
	}
	page, err := c.GetExpenses(ctx, slug, ExpensesQuery{Limit: limit})
	if err != nil {
		return nil, err
	}
	mine := make([]Expense, 0, len(page.Nodes))
	for _, e := range page.Nodes {
		if e.Payee != nil && e.Payee.Slug == payeeSlug {
			mine = append(mine, e)
		}
	}
	return mine, nil
}

// GetExpense looks up an expense by its numeric legacy id. Reads are the only
// place legacy ids are accepted.
func (c *Client) GetExpense(ctx context.Context, legacyID int64) (*Expense, error) {
	if legacyID <= 0 {
		return nil, &ValidationError{Field: "legacy_id", Reason: "must be a positive integer"}
	}
	var out Expense
	found, err := c.query(ctx, Envelope{
		Query:     queryExpense,
		Variables: map[string]any{"expense": map[string]any{"legacyId": legacyID}},
		Operation: "GetExpense",
	}, "expense", &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Kind: "expense", Key: formatInt(legacyID)}
	}
	return &out, nil
}

// GetExpenseItems fetches the line items of an expense by its legacy id.
func (c *Client) GetExpenseItems(ctx context.Context, legacyID int64) ([]ExpenseItem, error) {
	if legacyID <= 0 {
		return nil, &ValidationError{Field: "legacy_id", Reason: "must be a positive integer"}
	}
	var out struct {
		Items []ExpenseItem `json:"items"`
	}
	found, err := c.query(ctx, Envelope{
		Query:     queryExpenseItems,
		Variables: map[string]any{"expense": map[string]any{"legacyId": legacyID}},
		Operation: "GetExpenseItems",
	}, "expense", &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Kind: "expense", Key: formatInt(legacyID)}
	}
	if out.Items == nil {
		out.Items = []ExpenseItem{}
	}
	return out.Items, nil
}

// ApproveExpense approves a pending expense.
func (c *Client) ApproveExpense(ctx context.Context, id string) (*Expense, error) {
	return c.processExpense(ctx, id, "APPROVE", "")
}

// RejectExpense rejects an expense. message is optional and shown to the payee.
func (c *Client) RejectExpense(ctx context.Context, id, message string) (*Expense, error) {
	return c.processExpense(ctx, id, "REJECT", message)
}

func (c *Client) processExpense(ctx context.Context, id, action, message string) (*Expense, error) {
	if err := requireCanonicalID("expense_id", id); err != nil {
		return nil, err
	}
	vars := map[string]any{
		"expense": map[string]any{"id": id},
		"action":  action,
	}
	if message != "" {
		vars["message"] = message
	}
	var out Expense
	found, err := c.query(ctx, Envelope{
		Query:     mutationProcessExpense,
		Variables: vars,
		Operation: "ProcessExpense",
	}, "processExpense", &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Kind: "expense", Key: id}
	}
	return &out, nil
}

// ExpenseItemInput is one line of a multi-item expense.
type ExpenseItemInput struct {
	Description string // defaults to the expense description
	AmountCents int64
	IncurredAt  time.Time // defaults to the expense IncurredAt
	// URL references a receipt already uploaded to OpenCollective.
	URL string
}

// CreateExpenseInput describes a new expense.
type CreateExpenseInput struct {
	CollectiveSlug string
	PayeeSlug      string
	Description    string
	// AmountCents is the total in the smallest currency unit. Without Items
	// it is sent unchanged as a single line item; with Items it may be left
	// zero, otherwise it must equal their sum.
	AmountCents    int64
	Items          []ExpenseItemInput
	Type           string // default RECEIPT
	Tags           []string
	Currency       string
	IncurredAt     time.Time
	PayoutMethodID string
	// AttachmentURLs and InvoiceURL reference files already uploaded to
	// OpenCollective.
	AttachmentURLs []string
	InvoiceURL     string
}

func (in CreateExpenseInput) variables() (map[string]any, error) {
	required := []struct{ field, value string }{
		{"collective_slug", in.CollectiveSlug},
		{"payee_slug", in.PayeeSlug},
		{"description", in.Description},
	}
	for _, r := range required {
		if err := requireString(r.field, r.value); err != nil {
			return nil, err
		}
	}
	if in.AmountCents < 0 {
		return nil, &ValidationError{Field: "amount_cents", Reason: "must not be negative"}
	}
	typ := strings.ToUpper(in.Type)
	if typ == "" {
		typ = "RECEIPT"
	}
	if !expenseTypes[typ] {
		return nil, &ValidationError{Field: "type", Reason: "unknown expense type " + in.Type}
	}

	items, err := in.itemVariables()
	if err != nil {
		return nil, err
	}

	expense := map[string]any{
		"description": in.Description,
		"type":        typ,
		"payee":       map[string]any{"slug": in.PayeeSlug},
		"items":       items,
	}
	if len(in.Tags) > 0 {
		expense["tags"] = in.Tags
	}
	if in.Currency != "" {
		cur := strings.ToUpper(in.Currency)
		if len(cur) != 3 {
			return nil, &ValidationError{Field: "currency", Reason: "must be a three-letter ISO 4217 code"}
		}
		expense["currency"] = cur
	}
	if in.PayoutMethodID != "" {
		expense["payoutMethod"] = map[string]any{"id": in.PayoutMethodID}
	}
	if len(in.AttachmentURLs) > 0 {
		files := make([]map[string]any, 0, len(in.AttachmentURLs))
		for _, u := range in.AttachmentURLs {
			if err := requireString("attachment_urls", u); err != nil {
				return nil, err
			}
			files = append(files, map[string]any{"url": u})
		}
		expense["attachedFiles"] = files
	}
	if in.InvoiceURL != "" {
		expense["invoiceFile"] = map[string]any{"url": in.InvoiceURL}
	}

	return map[string]any{
		"expense": expense,
		"account": map[string]any{"slug": in.CollectiveSlug},
	}, nil
}

func (in CreateExpenseInput) itemVariables() ([]map[string]any, error) {
	lines := in.Items
	if len(lines) == 0 {
		lines = []ExpenseItemInput{{AmountCents: in.AmountCents}}
	}

	var total int64
	items := make([]map[string]any, 0, len(lines))
	for i, line := range lines {
		if line.AmountCents < 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].amount_cents", i), Reason: "must not be negative"}
		}
		if total > math.MaxInt64-line.AmountCents {
			return nil, &ValidationError{Field: "items", Reason: "total amount overflows"}
		}
		total += line.AmountCents

		desc := line.Description
		if strings.TrimSpace(desc) == "" {
			desc = in.Description
		}
		item := map[string]any{
			"description": desc,
			"amount":      line.AmountCents,
		}
		incurred := line.IncurredAt
		if incurred.IsZero() {
			incurred = in.IncurredAt
		}
		if !incurred.IsZero() {
			item["incurredAt"] = incurred.UTC().Format(time.RFC3339)
		}
		if line.URL != "" {
			item["url"] = line.URL
		}
		items = append(items, item)
	}

	if len(in.Items) > 0 && in.AmountCents != 0 && in.AmountCents != total {
		return nil, &ValidationError{
			Field:  "amount_cents",
			Reason: fmt.Sprintf("must equal the sum of items (%d)", total),
		}
	}
	return items, nil
}

// CreateExpense submits a new expense. The server creates it as DRAFT.
func (c *Client) CreateExpense(ctx context.Context, in CreateExpenseInput) (*Expense, error) {
	vars, err := in.variables()
	if err != nil {
		return nil, err
	}
	var out Expense
	found, err := c.query(ctx, Envelope{
		Query:     mutationCreateExpense,
		Variables: vars,
		Operation: "CreateExpense",
	}, "createExpense", &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.New("opencollective: createExpense returned no expense")
	}
	return &out, nil
}

// DeleteExpense deletes an expense that has not been processed yet.
func (c *Client) DeleteExpense(ctx context.Context, id string) (*Expense, error) {
	if err := requireCanonicalID("expense_id", id); err != nil {
		return nil, err
	}
	var out Expense
	found, err := c.query(ctx, Envelope{
		Query:     mutationDeleteExpense,
		Variables: map[string]any{"expense": map[string]any{"id": id}},
		Operation: "DeleteExpense",
	}, "deleteExpense", &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Kind: "expense", Key: id}
	}
	return &out, nil
}

// =============================================================================
// Accounts
// =============================================================================

// GetMe returns the account the access token belongs to.
func (c *Client) GetMe(ctx context.Context) (*Account, error) {
	var out Account
	found, err := c.query(ctx, Envelope{Query: queryMe, Operation: "Me"}, "me", &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Kind: "account", Key: "me"}
	}
	return &out, nil
}

// GetPayoutMethods lists the payout methods saved on an account.
func (c *Client) GetPayoutMethods(ctx context.Context, accountSlug string) ([]PayoutMethod, error) {
	if err := requireString("slug", accountSlug); err != nil {
		return nil, err
	}
	var acct struct {
		PayoutMethods []PayoutMethod `json:"payoutMethods"`
	}
	found, err := c.query(ctx, Envelope{
		Query:     queryPayoutMethods,
		Variables: map[string]any{"slug": accountSlug},
		Operation: "GetPayoutMethods",
	}, "account", &acct)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Kind: "account", Key: accountSlug}
	}
	if acct.PayoutMethods == nil {
		acct.PayoutMethods = []PayoutMethod{}
	}
	return acct.PayoutMethods, nil
}
