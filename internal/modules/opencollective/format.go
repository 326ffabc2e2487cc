package opencollective

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Compact formatters per tool: (toolName, JSON) → string
// =============================================================================

func formatCompact(toolName, jsonStr string) string {
	switch toolName {
	// Read: lists → CSV
	case "get_expenses":
		return expensePageToCSV(jsonStr)
	case "get_pending_expenses", "get_my_expenses":
		return expensesToCSV(jsonStr)
	case "get_payout_methods":
		return payoutMethodsToCSV(jsonStr)
	case "get_expense_items":
		return expenseItemsToCSV(jsonStr)
	// Read: single item → MD
	case "get_collective":
		return collectiveToCompact(jsonStr)
	case "get_expense":
		return expenseToCompact(jsonStr)
	case "get_me":
		return pickKeys(jsonStr, "id", "slug", "name")
	// Write
	case "create_expense", "approve_expense", "reject_expense", "delete_expense":
		return pickKeys(jsonStr, "id", "legacyId", "status")
	default:
		return jsonStr
	}
}

// pickKeys extracts only the specified keys from a JSON object.
func pickKeys(jsonStr string, keys ...string) string {
	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return jsonStr
	}
	result := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			result[k] = v
		}
	}
	out, err := json.Marshal(result)
	if err != nil {
		return jsonStr
	}
	return string(out)
}

// collectiveToCompact: single collective
func collectiveToCompact(jsonStr string) string {
	var c map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &c); err != nil {
		return jsonStr
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s\n", str(c, "name")))
	sb.WriteString(fmt.Sprintf("- **ID**: %s\n", str(c, "id")))
	sb.WriteString(fmt.Sprintf("- **Slug**: %s\n", str(c, "slug")))
	if cur := str(c, "currency"); cur != "" {
		sb.WriteString(fmt.Sprintf("- **Currency**: %s\n", cur))
	}
	if desc := str(c, "description"); desc != "" {
		sb.WriteString(fmt.Sprintf("\n%s\n", desc))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// expensePageToCSV: totalCount header + expense rows
func expensePageToCSV(jsonStr string) string {
	var page struct {
		TotalCount int              `json:"totalCount"`
		Nodes      []map[string]any `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &page); err != nil {
		return jsonStr
	}
	return fmt.Sprintf("# %d of %d expenses\n%s", len(page.Nodes), page.TotalCount, expenseRows(page.Nodes))
}

// expensesToCSV: id,legacy_id,status,amount,currency,payee,description
func expensesToCSV(jsonStr string) string {
	var expenses []map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &expenses); err != nil {
		return jsonStr
	}
	if len(expenses) == 0 {
		return "# 0 expenses"
	}
	return expenseRows(expenses)
}

func expenseRows(expenses []map[string]any) string {
	var sb strings.Builder
	sb.WriteString("```csv\nid,legacy_id,status,amount,currency,payee,description\n")
	for _, e := range expenses {
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%s,%s,%s,%s\n",
			csvEscape(str(e, "id")),
			intStr(e, "legacyId"),
			str(e, "status"),
			cents(e, "amount"),
			str(e, "currency"),
			csvEscape(str(obj(e, "payee"), "slug")),
			csvEscape(str(e, "description")),
		))
	}
	sb.WriteString("```")
	return sb.String()
}

// expenseToCompact: single expense with items
func expenseToCompact(jsonStr string) string {
	var e map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &e); err != nil {
		return jsonStr
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s\n", str(e, "description")))
	sb.WriteString(fmt.Sprintf("- **ID**: %s\n", str(e, "id")))
	sb.WriteString(fmt.Sprintf("- **Legacy ID**: %s\n", intStr(e, "legacyId")))
	sb.WriteString(fmt.Sprintf("- **Status**: %s\n", str(e, "status")))
	sb.WriteString(fmt.Sprintf("- **Amount**: %s %s\n", cents(e, "amount"), str(e, "currency")))
	if typ := str(e, "type"); typ != "" {
		sb.WriteString(fmt.Sprintf("- **Type**: %s\n", typ))
	}
	if payee := obj(e, "payee"); payee != nil {
		sb.WriteString(fmt.Sprintf("- **Payee**: %s (%s)\n", str(payee, "name"), str(payee, "slug")))
	}
	if created := str(e, "createdAt"); created != "" {
		sb.WriteString(fmt.Sprintf("- **Created**: %s\n", created))
	}
	if tags, ok := e["tags"].([]any); ok && len(tags) > 0 {
		names := make([]string, 0, len(tags))
		for _, t := range tags {
			if s, ok := t.(string); ok {
				names = append(names, s)
			}
		}
		sb.WriteString(fmt.Sprintf("- **Tags**: %s\n", strings.Join(names, ", ")))
	}
	if items, ok := e["items"].([]any); ok && len(items) > 0 {
		sb.WriteString("\n## Items\n")
		for _, raw := range items {
			item, _ := raw.(map[string]any)
			sb.WriteString(fmt.Sprintf("- %s: %s\n", str(item, "description"), cents(item, "amount")))
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// expenseItemsToCSV: id,description,amount,incurred_at,url
func expenseItemsToCSV(jsonStr string) string {
	var items []map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &items); err != nil {
		return jsonStr
	}
	if len(items) == 0 {
		return "# 0 items"
	}
	var sb strings.Builder
	sb.WriteString("```csv\nid,description,amount,incurred_at,url\n")
	for _, it := range items {
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%s,%s\n",
			csvEscape(str(it, "id")),
			csvEscape(str(it, "description")),
			cents(it, "amount"),
			str(it, "incurredAt"),
			csvEscape(str(it, "url")),
		))
	}
	sb.WriteString("```")
	return sb.String()
}

// payoutMethodsToCSV: id,type,name,saved
func payoutMethodsToCSV(jsonStr string) string {
	var methods []map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &methods); err != nil {
		return jsonStr
	}
	if len(methods) == 0 {
		return "# 0 payout methods"
	}
	var sb strings.Builder
	sb.WriteString("```csv\nid,type,name,saved\n")
	for _, m := range methods {
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%v\n",
			csvEscape(str(m, "id")),
			str(m, "type"),
			csvEscape(str(m, "name")),
			boolVal(m, "isSaved"),
		))
	}
	sb.WriteString("```")
	return sb.String()
}

// =============================================================================
// Helpers
// =============================================================================

func str(o map[string]any, key string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return ""
}

func obj(o map[string]any, key string) map[string]any {
	v, _ := o[key].(map[string]any)
	return v
}

func boolVal(o map[string]any, key string) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return false
}

func intStr(o map[string]any, key string) string {
	if v, ok := o[key].(float64); ok {
		return fmt.Sprintf("%d", int64(v))
	}
	return ""
}

// cents renders an integer cent amount as units with two decimals.
func cents(o map[string]any, key string) string {
	v, ok := o[key].(float64)
	if !ok {
		return ""
	}
	n := int64(v)
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("%s%d.%02d", sign, n/100, n%100)
}

func csvEscape(s string) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, ",\"\n\r") {
		return "\"" + strings.ReplaceAll(s, "\"", "\"\"") + "\""
	}
	return s
}
