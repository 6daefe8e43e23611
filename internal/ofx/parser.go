package ofx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"
)

// ErrNoStatements is returned for OFX files without any bank statement.
var ErrNoStatements = errors.New("OFX file contains no bank statements")

var (
	severityRegex = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	tagFixRegex   = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// Statement holds the records of one account found in an OFX file.
type Statement struct {
	AccountID string
	BankID    string
	Currency  string
	Records   []model.StatementRecord
}

// Parser implements OFX/QFX statement parsing.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a new OFX parser.
func NewParser() *Parser {
	return &Parser{logger: slog.Default().With("component", "ofx")}
}

// preprocessOFX fixes common formatting issues in OFX files.
func (p *Parser) preprocessOFX(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")

	// SEVERITY must be upper case
	content = severityRegex.ReplaceAllStringFunc(content, strings.ToUpper)

	// SGML files sometimes drop the closing bracket of a bare opening tag
	return tagFixRegex.ReplaceAllString(content, "$1>")
}

// ParseFile parses an OFX/QFX file into one Statement per bank account.
func (p *Parser) ParseFile(ctx context.Context, reader io.Reader) ([]Statement, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX file: %w", err)
	}

	resp, err := ofxgo.ParseResponse(strings.NewReader(p.preprocessOFX(string(content))))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OFX file: %w", err)
	}

	var statements []Statement
	for _, msg := range resp.Bank {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stmt, ok := msg.(*ofxgo.StatementResponse)
		if !ok {
			continue
		}
		converted, err := p.processBankStatement(stmt)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", stmt.BankAcctFrom.AcctID, err)
		}
		statements = append(statements, *converted)
	}
	if len(statements) == 0 {
		return nil, ErrNoStatements
	}

	p.logger.Info("Parsed OFX file", "statements", len(statements))
	return statements, nil
}

// processBankStatement converts OFX bank transactions to statement records.
func (p *Parser) processBankStatement(stmt *ofxgo.StatementResponse) (*Statement, error) {
	out := &Statement{
		AccountID: string(stmt.BankAcctFrom.AcctID),
		BankID:    string(stmt.BankAcctFrom.BankID),
		Currency:  stmt.CurDef.String(),
	}
	if stmt.BankTranList == nil {
		return out, nil
	}

	for _, ofxTx := range stmt.BankTranList.Transactions {
		record, err := p.convertTransaction(ofxTx)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", ofxTx.FiTID, err)
		}
		out.Records = append(out.Records, record)
	}
	return out, nil
}

// convertTransaction converts an OFX transaction to a statement record.
func (p *Parser) convertTransaction(ofxTx ofxgo.Transaction) (model.StatementRecord, error) {
	amount, err := minorUnits(ofxTx.TrnAmt.FloatString(4))
	if err != nil {
		return model.StatementRecord{}, err
	}

	record := model.StatementRecord{
		BookingDate:       ofxTx.DtPosted.Time,
		ValueDate:         ofxTx.DtPosted.Time,
		CounterpartyName:  p.extractCounterpartyName(ofxTx),
		Reference:         strings.TrimSpace(string(ofxTx.Memo)),
		EndToEndReference: string(ofxTx.FiTID),
		Amount:            amount,
	}
	if ofxTx.DtAvail != nil {
		record.ValueDate = ofxTx.DtAvail.Time
	}
	if record.Reference == "" {
		record.Reference = strings.TrimSpace(string(ofxTx.Name))
	}
	if ofxTx.BankAcctTo != nil {
		record.CounterpartyIBAN = string(ofxTx.BankAcctTo.AcctID)
		record.CounterpartyBIC = string(ofxTx.BankAcctTo.BankID)
	}
	return record, nil
}

// extractCounterpartyName tries to get a clean counterparty name from OFX data.
func (p *Parser) extractCounterpartyName(tx ofxgo.Transaction) string {
	if tx.Payee != nil && tx.Payee.Name != "" {
		return string(tx.Payee.Name)
	}

	name := strings.TrimSpace(string(tx.Name))

	prefixes := []string{
		"SEPA-GUTSCHRIFT ",
		"SEPA-UEBERWEISUNG ",
		"SEPA-LASTSCHRIFT ",
		"GUTSCHRIFT ",
		"UEBERWEISUNG ",
		"ACH CREDIT ",
		"ACH DEBIT ",
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(strings.ToUpper(name), prefix) {
			name = name[len(prefix):]
			break
		}
	}

	return strings.TrimSpace(name)
}

// minorUnits converts a decimal amount string into cents, rejecting
// fractions of a cent.
func minorUnits(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	cents := d.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has fractional cents", s)
	}
	return cents.IntPart(), nil
}

// GetAccounts extracts the bank account IDs present in the OFX file.
func (p *Parser) GetAccounts(ctx context.Context, reader io.Reader) ([]string, error) {
	statements, err := p.ParseFile(ctx, reader)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var accounts []string
	for _, stmt := range statements {
		if stmt.AccountID != "" && !seen[stmt.AccountID] {
			seen[stmt.AccountID] = true
			accounts = append(accounts, stmt.AccountID)
		}
	}
	return accounts, nil
}
