// Package mt940 parses SWIFT MT940 account statements, including the
// structured German ":86:" subfield layout, into statement records.
package mt940

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/shopspring/decimal"
)

// Parse errors.
var (
	ErrMalformedLine    = errors.New("malformed statement line")
	ErrMalformedBalance = errors.New("malformed balance")
	ErrMalformedAmount  = errors.New("malformed amount")
	ErrOrphanDetails    = errors.New(":86: without preceding :61:")
	ErrBalanceMismatch  = errors.New("opening balance plus movements does not equal closing balance")
)

// ParseError reports a statement block that could not be parsed. Raw holds
// the block's text so it can be stored for manual inspection.
type ParseError struct {
	Err   error
	Raw   string
	Block int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("statement block %d: %v", e.Block, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Statement is one parsed MT940 statement (one ":20:" block).
type Statement struct {
	Reference string
	Account   string
	Number    string
	Currency  string
	Raw       string
	Records   []model.StatementRecord
	Opening   int64
	Closing   int64
}

type field struct {
	tag   string
	value string
}

var (
	tagPattern     = regexp.MustCompile(`^:(\d{2}[A-Z]?):(.*)$`)
	linePattern    = regexp.MustCompile(`^(\d{6})(\d{4})?(RC|RD|C|D)([A-Z])?(\d+,\d*)(?:[NF][A-Z0-9]{3})?(.*)$`)
	balancePattern = regexp.MustCompile(`^([CD])(\d{6})([A-Z]{3})(\d+,\d*)$`)
	sepaTagPattern = regexp.MustCompile(`(EREF|KREF|MREF|CRED|DEBT|SVWZ|ABWA|ABWE)\+`)
)

// Parse splits raw into statement blocks and parses each independently. A
// block that fails to parse is reported as a *ParseError and does not
// affect the other blocks.
func Parse(raw string) ([]Statement, []*ParseError) {
	var statements []Statement
	var errs []*ParseError

	for i, block := range splitBlocks(raw) {
		stmt, err := parseBlock(block)
		if err != nil {
			errs = append(errs, &ParseError{Block: i + 1, Raw: block, Err: err})
			continue
		}
		statements = append(statements, *stmt)
	}
	return statements, errs
}

// splitBlocks cuts raw at every ":20:" tag. Text before the first tag, such
// as SWIFT headers, is dropped.
func splitBlocks(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")

	var blocks []string
	var current []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, ":20:") && len(current) > 0 {
			blocks = append(blocks, strings.Join(current, "\n"))
			current = nil
		}
		if len(current) == 0 && !strings.HasPrefix(line, ":20:") {
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, strings.Join(current, "\n"))
	}
	return blocks
}

// fields groups a block into tagged fields, joining continuation lines.
func fields(block string) []field {
	var out []field
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, " ")
		if line == "" || line == "-" || strings.HasPrefix(line, "-}") {
			continue
		}
		if m := tagPattern.FindStringSubmatch(line); m != nil {
			out = append(out, field{tag: m[1], value: m[2]})
			continue
		}
		if len(out) == 0 {
			continue
		}
		last := &out[len(out)-1]
		if last.tag == "86" {
			last.value += line
		} else {
			last.value += "\n" + line
		}
	}
	return out
}

func parseBlock(block string) (*Statement, error) {
	stmt := &Statement{Raw: block}
	var opening, closing *int64
	var current *model.StatementRecord

	flush := func() {
		if current != nil {
			stmt.Records = append(stmt.Records, *current)
			current = nil
		}
	}

	for _, f := range fields(block) {
		switch f.tag {
		case "20":
			stmt.Reference = strings.TrimSpace(f.value)
		case "25":
			stmt.Account = strings.TrimSpace(f.value)
		case "28C", "28":
			stmt.Number = strings.TrimSpace(f.value)
		case "60F", "60M":
			amount, currency, err := parseBalance(f.value)
			if err != nil {
				return nil, err
			}
			stmt.Opening, stmt.Currency = amount, currency
			opening = &stmt.Opening
		case "62F", "62M":
			amount, _, err := parseBalance(f.value)
			if err != nil {
				return nil, err
			}
			stmt.Closing = amount
			closing = &stmt.Closing
		case "61":
			flush()
			record, err := parseLine(f.value)
			if err != nil {
				return nil, err
			}
			current = record
		case "86":
			if current == nil {
				return nil, ErrOrphanDetails
			}
			applyDetails(current, f.value)
			flush()
		}
	}
	flush()

	if opening != nil && closing != nil {
		sum := *opening
		for _, r := range stmt.Records {
			sum += r.Amount
		}
		if sum != *closing {
			return nil, fmt.Errorf("%w: %d + movements = %d, closing %d", ErrBalanceMismatch, *opening, sum, *closing)
		}
	}
	return stmt, nil
}

func parseBalance(value string) (int64, string, error) {
	m := balancePattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return 0, "", fmt.Errorf("%w: %q", ErrMalformedBalance, value)
	}
	if _, err := parseDate(m[2]); err != nil {
		return 0, "", err
	}
	amount, err := parseAmount(m[4])
	if err != nil {
		return 0, "", err
	}
	if m[1] == "D" {
		amount = -amount
	}
	return amount, m[3], nil
}

func parseLine(value string) (*model.StatementRecord, error) {
	first, _, _ := strings.Cut(value, "\n")
	m := linePattern.FindStringSubmatch(strings.TrimSpace(first))
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedLine, first)
	}

	valueDate, err := parseDate(m[1])
	if err != nil {
		return nil, err
	}
	bookingDate := valueDate
	if m[2] != "" {
		bookingDate, err = entryDate(valueDate, m[2])
		if err != nil {
			return nil, err
		}
	}

	amount, err := parseAmount(m[5])
	if err != nil {
		return nil, err
	}
	switch m[3] {
	case "D", "RC":
		amount = -amount
	}

	record := &model.StatementRecord{
		ValueDate:   valueDate,
		BookingDate: bookingDate,
		Amount:      amount,
	}
	// Without :86: details the customer reference is all there is.
	ref, _, _ := strings.Cut(m[6], "//")
	if ref != "NONREF" {
		record.Reference = strings.TrimSpace(ref)
	}
	return record, nil
}

// applyDetails fills counterparty and reference fields from an :86: field.
func applyDetails(r *model.StatementRecord, value string) {
	if !strings.Contains(value, "?") {
		r.Reference = strings.TrimSpace(value)
		return
	}

	subfields := make(map[string]string)
	var purpose strings.Builder
	for _, part := range strings.Split(value, "?")[1:] {
		if len(part) < 2 {
			continue
		}
		code, text := part[:2], part[2:]
		subfields[code] += text
		if (code >= "20" && code <= "29") || (code >= "60" && code <= "63") {
			purpose.WriteString(text)
		}
	}

	r.CounterpartyBIC = strings.TrimSpace(subfields["30"])
	r.CounterpartyIBAN = strings.TrimSpace(subfields["31"])
	r.CounterpartyName = strings.TrimSpace(subfields["32"] + subfields["33"])

	text := purpose.String()
	tags := sepaTags(text)
	if eref, ok := tags["EREF"]; ok && eref != "NOTPROVIDED" {
		r.EndToEndReference = eref
	}
	if svwz, ok := tags["SVWZ"]; ok {
		r.Reference = svwz
	} else {
		r.Reference = strings.TrimSpace(text)
	}
}

// sepaTags splits SEPA purpose text of the form "EREF+...SVWZ+..." by tag.
func sepaTags(text string) map[string]string {
	tags := make(map[string]string)
	locs := sepaTagPattern.FindAllStringSubmatchIndex(text, -1)
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		tags[text[loc[2]:loc[3]]] = strings.TrimSpace(text[loc[1]:end])
	}
	return tags
}

func parseDate(yymmdd string) (time.Time, error) {
	t, err := time.Parse("060102", yymmdd)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrMalformedLine, yymmdd)
	}
	return t, nil
}

// entryDate resolves an MMDD entry date against the value date, allowing the
// entry to fall into the neighbouring year around new year.
func entryDate(valueDate time.Time, mmdd string) (time.Time, error) {
	t, err := time.Parse("0102", mmdd)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: entry date %q", ErrMalformedLine, mmdd)
	}
	entry := time.Date(valueDate.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch {
	case entry.Sub(valueDate) > 180*24*time.Hour:
		entry = entry.AddDate(-1, 0, 0)
	case valueDate.Sub(entry) > 180*24*time.Hour:
		entry = entry.AddDate(1, 0, 0)
	}
	return entry, nil
}

// parseAmount converts "1234,5" into minor units.
func parseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.Replace(s, ",", ".", 1))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedAmount, s)
	}
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has more than two decimals", ErrMalformedAmount, s)
	}
	return minor.IntPart(), nil
}
