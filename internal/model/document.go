package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// DocumentType identifies one of the five statement categories a record was
// extracted from.
type DocumentType string

const (
	DocBalanceSheet      DocumentType = "balance_sheet"
	DocIncomeStatement   DocumentType = "income_statement"
	DocCashFlow          DocumentType = "cash_flow"
	DocRentRoll          DocumentType = "rent_roll"
	DocMortgageStatement DocumentType = "mortgage_statement"
)

// DocumentTypes lists every document type in canonical order. Strategies
// pair documents in this order, so the earlier type is always the source.
var DocumentTypes = []DocumentType{
	DocBalanceSheet,
	DocIncomeStatement,
	DocCashFlow,
	DocRentRoll,
	DocMortgageStatement,
}

var docCodes = map[DocumentType]string{
	DocBalanceSheet:      "BS",
	DocIncomeStatement:   "IS",
	DocCashFlow:          "CF",
	DocRentRoll:          "RR",
	DocMortgageStatement: "MS",
}

var docTables = map[DocumentType]string{
	DocBalanceSheet:      "balance_sheet_data",
	DocIncomeStatement:   "income_statement_data",
	DocCashFlow:          "cash_flow_data",
	DocRentRoll:          "rent_roll_data",
	DocMortgageStatement: "mortgage_statement_data",
}

var docAmountFields = map[DocumentType]string{
	DocBalanceSheet:      "amount",
	DocIncomeStatement:   "amount",
	DocCashFlow:          "amount",
	DocRentRoll:          "annual_rent",
	DocMortgageStatement: "principal_balance",
}

// Valid reports whether d is one of the known document types.
func (d DocumentType) Valid() bool {
	_, ok := docCodes[d]
	return ok
}

// Code returns the short formula code (BS, IS, CF, RR, MS).
func (d DocumentType) Code() string {
	return docCodes[d]
}

// Table returns the record table backing this document type.
func (d DocumentType) Table() string {
	return docTables[d]
}

// AmountField returns the name of the column holding the reconciled amount.
func (d DocumentType) AmountField() string {
	return docAmountFields[d]
}

// IsStatement reports whether d is one of the three standard statements
// (balance sheet, income statement, cash flow).
func (d DocumentType) IsStatement() bool {
	return d == DocBalanceSheet || d == DocIncomeStatement || d == DocCashFlow
}

// Ordinal returns the position of d in DocumentTypes, or -1.
func (d DocumentType) Ordinal() int {
	for i, t := range DocumentTypes {
		if t == d {
			return i
		}
	}
	return -1
}

// ParseDocumentType accepts either a formula code ("BS") or a full document
// type name ("balance_sheet"), case-insensitively.
func ParseDocumentType(s string) (DocumentType, error) {
	s = strings.TrimSpace(s)
	for d, code := range docCodes {
		if strings.EqualFold(s, code) || strings.EqualFold(s, string(d)) {
			return d, nil
		}
	}
	return "", eris.Errorf("unknown document type %q", s)
}

// RecordRef is the tagged identifier of a record: the document type plus the
// record id within that type's table. Record ids are only unique per table,
// so a bare id never travels without its type.
type RecordRef struct {
	DocType DocumentType `json:"doc_type"`
	ID      int64        `json:"id"`
}

// String renders the reference as "balance_sheet#42".
func (r RecordRef) String() string {
	return fmt.Sprintf("%s#%d", r.DocType, r.ID)
}

// IsZero reports whether the reference is unset.
func (r RecordRef) IsZero() bool {
	return r.DocType == "" && r.ID == 0
}

// MatchPair is the per-session uniqueness key of a match.
type MatchPair struct {
	Source RecordRef `json:"source"`
	Target RecordRef `json:"target"`
}

func (p MatchPair) String() string {
	return p.Source.String() + "->" + p.Target.String()
}
