package ruleset

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/model"
)

// ErrInvalidFormula is returned for formulas outside the supported grammar.
var ErrInvalidFormula = eris.New("invalid formula")

// Operand is one DOC.ACCOUNT reference.
type Operand struct {
	DocType model.DocumentType
	Account string
}

func (o Operand) String() string {
	return o.DocType.Code() + "." + o.Account
}

// Formula is a parsed two-operand equality.
type Formula struct {
	Left  Operand
	Right Operand
}

func (f Formula) String() string {
	return f.Left.String() + " = " + f.Right.String()
}

// ParseFormula parses "DOC.ACCOUNT = DOC.ACCOUNT". Only a single equality
// between two operands is supported; arithmetic is rejected.
func ParseFormula(s string) (Formula, error) {
	sides := strings.Split(s, "=")
	if len(sides) != 2 {
		return Formula{}, eris.Wrapf(ErrInvalidFormula, "%q: expected exactly one '='", s)
	}
	left, err := parseOperand(sides[0])
	if err != nil {
		return Formula{}, eris.Wrapf(err, "%q: left operand", s)
	}
	right, err := parseOperand(sides[1])
	if err != nil {
		return Formula{}, eris.Wrapf(err, "%q: right operand", s)
	}
	return Formula{Left: left, Right: right}, nil
}

func parseOperand(s string) (Operand, error) {
	s = strings.TrimSpace(s)
	doc, account, ok := strings.Cut(s, ".")
	if !ok {
		return Operand{}, eris.Wrapf(ErrInvalidFormula, "operand %q: expected DOC.ACCOUNT", s)
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return Operand{}, eris.Wrapf(ErrInvalidFormula, "operand %q: empty account", s)
	}
	if strings.ContainsAny(account, "+*/()<>! \t") {
		return Operand{}, eris.Wrapf(ErrInvalidFormula, "operand %q: expressions are not supported", s)
	}
	dt, err := model.ParseDocumentType(doc)
	if err != nil {
		return Operand{}, eris.Wrapf(ErrInvalidFormula, "operand %q: %v", s, err)
	}
	return Operand{DocType: dt, Account: account}, nil
}
