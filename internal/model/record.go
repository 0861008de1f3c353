package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// AccountCategory classifies a statement line for base-total computation.
type AccountCategory string

const (
	CategoryAsset     AccountCategory = "asset"
	CategoryLiability AccountCategory = "liability"
	CategoryEquity    AccountCategory = "equity"
	CategoryRevenue   AccountCategory = "revenue"
	CategoryExpense   AccountCategory = "expense"
	CategoryOperating AccountCategory = "operating"
	CategoryInvesting AccountCategory = "investing"
	CategoryFinancing AccountCategory = "financing"
)

// Record is one extracted line of financial data. The populated fields depend
// on DocType: the three statements use AccountCode/AccountName/Amount, the
// rent roll adds unit and tenant data, and mortgage statements add loan data.
// Records are owned by the ingestion pipeline and read-only here.
type Record struct {
	ID          int64           `json:"id"`
	DocType     DocumentType    `json:"doc_type"`
	PropertyID  int64           `json:"property_id"`
	PeriodID    int64           `json:"period_id"`
	AccountCode string          `json:"account_code,omitempty"`
	AccountName string          `json:"account_name,omitempty"`
	Category    AccountCategory `json:"category,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Confidence  float64         `json:"confidence"`

	// Rent roll.
	UnitNumber  string           `json:"unit_number,omitempty"`
	TenantName  string           `json:"tenant_name,omitempty"`
	MonthlyRent decimal.Decimal  `json:"monthly_rent"`
	AnnualRent  *decimal.Decimal `json:"annual_rent,omitempty"`

	// Mortgage statement.
	LoanNumber       string          `json:"loan_number,omitempty"`
	LenderName       string          `json:"lender_name,omitempty"`
	PrincipalBalance decimal.Decimal `json:"principal_balance"`
}

// Ref returns the tagged reference of the record.
func (r Record) Ref() RecordRef {
	return RecordRef{DocType: r.DocType, ID: r.ID}
}

// Identifier returns the key used for cross-document lookups: the unit number
// for rent roll lines, the loan number for mortgage lines, and the account
// code otherwise.
func (r Record) Identifier() string {
	switch r.DocType {
	case DocRentRoll:
		if r.UnitNumber != "" {
			return r.UnitNumber
		}
		return r.AccountCode
	case DocMortgageStatement:
		if r.LoanNumber != "" {
			return r.LoanNumber
		}
		return r.AccountCode
	default:
		return r.AccountCode
	}
}

// DisplayName returns the human-facing name: tenant name, loan number, or
// account name depending on the document type.
func (r Record) DisplayName() string {
	switch r.DocType {
	case DocRentRoll:
		return r.TenantName
	case DocMortgageStatement:
		if r.LenderName != "" {
			return r.LenderName + " " + r.LoanNumber
		}
		return r.LoanNumber
	default:
		return r.AccountName
	}
}

// DisplayAmount returns the amount reconciled for this record: annualized rent
// for rent roll lines, principal balance for mortgage lines, and the line
// amount otherwise.
func (r Record) DisplayAmount() decimal.Decimal {
	switch r.DocType {
	case DocRentRoll:
		return r.AnnualizedRent()
	case DocMortgageStatement:
		return r.PrincipalBalance
	default:
		return r.Amount
	}
}

// AnnualizedRent returns the annual rent, deriving it from monthly rent when
// the extracted row did not carry one.
func (r Record) AnnualizedRent() decimal.Decimal {
	if r.AnnualRent != nil {
		return *r.AnnualRent
	}
	return r.MonthlyRent.Mul(decimal.NewFromInt(12))
}

// FieldName returns the column the display amount was read from.
func (r Record) FieldName() string {
	return r.DocType.AmountField()
}

// MatchesIdentifier reports whether the record is addressed by id, comparing
// case-insensitively against the identifier and, as a fallback, the name.
func (r Record) MatchesIdentifier(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(r.Identifier()), id) {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(r.DisplayName()), id)
}

// Property is the minimal property metadata the resolver needs.
type Property struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	PropertyType string `json:"property_type"`
}
