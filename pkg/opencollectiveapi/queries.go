package opencollectiveapi

// GraphQL documents. Values are always passed as variables, never
// interpolated into the document text.

const expenseFields = `
    id
    legacyId
    description
    amount
    currency
    type
    status
    createdAt
    payee { name slug }
    tags
    items { id description amount url incurredAt }
    createdByAccount { slug name }`

const queryCollective = `query GetCollective($slug: String!) {
  collective(slug: $slug) {
    id
    slug
    name
    description
    currency
  }
}`

const queryExpenses = `query GetExpenses($account: AccountReferenceInput!, $limit: Int!, $offset: Int!, $status: [ExpenseStatusFilter], $dateFrom: DateTime) {
  expenses(account: $account, limit: $limit, offset: $offset, status: $status, dateFrom: $dateFrom, orderBy: {field: CREATED_AT, direction: DESC}) {
    totalCount
    nodes {` + expenseFields + `
    }
  }
}`

const queryExpense = `query GetExpense($expense: ExpenseReferenceInput!) {
  expense(expense: $expense) {` + expenseFields + `
  }
}`

const queryExpenseItems = `query GetExpenseItems($expense: ExpenseReferenceInput!) {
  expense(expense: $expense) {
    id
    items { id description amount url incurredAt }
  }
}`

const mutationProcessExpense = `mutation ProcessExpense($expense: ExpenseReferenceInput!, $action: ExpenseProcessAction!, $message: String) {
  processExpense(expense: $expense, action: $action, message: $message) {
    id
    legacyId
    description
    status
  }
}`

const mutationCreateExpense = `mutation CreateExpense($expense: ExpenseCreateInput!, $account: AccountReferenceInput!) {
  createExpense(expense: $expense, account: $account) {
    id
    legacyId
    description
    amount
    currency
    type
    status
    items { id description amount url incurredAt }
  }
}`

const mutationDeleteExpense = `mutation DeleteExpense($expense: ExpenseReferenceInput!) {
  deleteExpense(expense: $expense) {
    id
    legacyId
  }
}`

const queryMe = `query Me {
  me {
    id
    slug
    name
  }
}`

const queryPayoutMethods = `query GetPayoutMethods($slug: String!) {
  account(slug: $slug) {
    payoutMethods {
      id
      type
      name
      data
      isSaved
    }
  }
}`
