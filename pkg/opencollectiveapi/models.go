package opencollectiveapi

// Collective is an OpenCollective collective (the account expenses are
// submitted to).
type Collective struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Currency    string `json:"currency"`
}

// Account is a reference to any account (user, organization, collective).
type Account struct {
	ID   string `json:"id,omitempty"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// ExpenseItem is one line of an expense. Amount is in cents.
type ExpenseItem struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	URL         string `json:"url,omitempty"`
	IncurredAt  string `json:"incurredAt,omitempty"`
}

// Expense is an expense as returned by the API. ID is the canonical
// identifier; LegacyID is informational and never used for mutations.
type Expense struct {
	ID               string        `json:"id"`
	LegacyID         int64         `json:"legacyId"`
	Description      string        `json:"description"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency,omitempty"`
	Type             string        `json:"type,omitempty"`
	Status           string        `json:"status"`
	CreatedAt        string        `json:"createdAt,omitempty"`
	Payee            *Account      `json:"payee,omitempty"`
	Tags             []string      `json:"tags,omitempty"`
	Items            []ExpenseItem `json:"items,omitempty"`
	CreatedByAccount *Account      `json:"createdByAccount,omitempty"`
}

// ExpensePage is one page of an expenses query.
type ExpensePage struct {
	TotalCount int       `json:"totalCount"`
	Nodes      []Expense `json:"nodes"`
}

// PayoutMethod is a saved way for a payee to receive funds.
type PayoutMethod struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Name    string         `json:"name"`
	Data    map[string]any `json:"data,omitempty"`
	IsSaved bool           `json:"isSaved"`
}

// Expense statuses accepted by the expenses status filter.
var expenseStatuses = map[string]bool{
	"DRAFT":                 true,
	"UNVERIFIED":            true,
	"PENDING":               true,
	"INCOMPLETE":            true,
	"APPROVED":              true,
	"REJECTED":              true,
	"PROCESSING":            true,
	"ERROR":                 true,
	"PAID":                  true,
	"SCHEDULED_FOR_PAYMENT": true,
	"SPAM":                  true,
	"CANCELED":              true,
	"READY_TO_PAY":          true,
	"ON_HOLD":               true,
	"INVITE_DECLINED":       true,
}

// Expense types accepted by createExpense.
var expenseTypes = map[string]bool{
	"RECEIPT":         true,
	"INVOICE":         true,
	"FUNDING_REQUEST": true,
	"GRANT":           true,
	"UNCLASSIFIED":    true,
	"CHARGE":          true,
	"SETTLEMENT":      true,
}
