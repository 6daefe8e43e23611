// Package seed bootstraps an organisation from a YAML description of its
// accounts, buildings, groups, users, fees and team patterns.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/interval"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/pattern"
	"github.com/Veraticus/the-dues-must-flow/internal/service"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrUnknownReference is returned when a seed entry names an undefined key.
var ErrUnknownReference = errors.New("unknown reference")

const dateLayout = "2006-01-02"

// File is the YAML seed document.
type File struct {
	Accounts     []Account     `yaml:"accounts"`
	BankAccounts []BankAccount `yaml:"bank_accounts"`
	Buildings    []Building    `yaml:"buildings"`
	Groups       []Group       `yaml:"groups"`
	Users        []User        `yaml:"users"`
	Fees         []Fee         `yaml:"fees"`
	Patterns     []Pattern     `yaml:"patterns"`
}

// Account is a ledger account addressed by Key elsewhere in the file.
type Account struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// BankAccount owns the BANK_ASSET account named by Account.
type BankAccount struct {
	Name          string `yaml:"name"`
	Bank          string `yaml:"bank"`
	IBAN          string `yaml:"iban"`
	BIC           string `yaml:"bic"`
	AccountNumber string `yaml:"account_number"`
	Account       string `yaml:"account"`
}

// Building lists its rooms and optionally its fee account key.
type Building struct {
	ShortName  string   `yaml:"short_name"`
	FeeAccount string   `yaml:"fee_account"`
	Rooms      []string `yaml:"rooms"`
}

// Group carries granted and denied properties.
type Group struct {
	Name   string   `yaml:"name"`
	Grants []string `yaml:"grants"`
	Denies []string `yaml:"denies"`
}

// Membership places the user into a group. An empty Until is unbounded.
type Membership struct {
	Group string `yaml:"group"`
	Since string `yaml:"since"`
	Until string `yaml:"until"`
}

// Residence places the user into a room.
type Residence struct {
	Building string `yaml:"building"`
	Room     string `yaml:"room"`
	Since    string `yaml:"since"`
	Until    string `yaml:"until"`
}

// User is a member with an implicitly created USER_ASSET account.
type User struct {
	Login       string       `yaml:"login"`
	Name        string       `yaml:"name"`
	Memberships []Membership `yaml:"memberships"`
	Residences  []Residence  `yaml:"residences"`
}

// Fee is a membership fee; RegularFee is a decimal amount such as "5.00".
type Fee struct {
	Name                 string `yaml:"name"`
	RegularFee           string `yaml:"regular_fee"`
	BeginsOn             string `yaml:"begins_on"`
	EndsOn               string `yaml:"ends_on"`
	BookingBegin         int    `yaml:"booking_begin"`
	BookingEnd           int    `yaml:"booking_end"`
	PaymentDeadline      int    `yaml:"payment_deadline"`
	PaymentDeadlineFinal int    `yaml:"payment_deadline_final"`
}

// Pattern binds a reference pattern to an account key.
type Pattern struct {
	Pattern string `yaml:"pattern"`
	Account string `yaml:"account"`
}

// Result counts what Apply created.
type Result struct {
	Accounts    int
	Users       int
	Memberships int
	Fees        int
	Patterns    int
}

// Load decodes a seed document. Unknown fields are rejected.
func Load(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &f, nil
}

// LoadFile reads and decodes a seed file.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer func() { _ = fh.Close() }()
	return Load(fh)
}

// Apply creates everything in f inside one store transaction.
func Apply(ctx context.Context, storage service.Storage, f *File) (*Result, error) {
	res := &Result{}
	err := service.WithTransaction(ctx, storage, func(tx service.Transaction) error {
		a := applier{ctx: ctx, tx: tx, res: res,
			accounts: make(map[string]int64),
			groups:   make(map[string]int64),
			rooms:    make(map[string]int64),
		}
		return a.apply(f)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type applier struct {
	ctx      context.Context
	tx       service.Transaction
	res      *Result
	accounts map[string]int64
	groups   map[string]int64
	rooms    map[string]int64
}

func (a *applier) apply(f *File) error {
	for _, def := range f.Accounts {
		typ, err := model.ParseAccountType(def.Type)
		if err != nil {
			return fmt.Errorf("account %q: %w", def.Key, err)
		}
		account := &model.Account{Name: def.Name, Type: typ}
		if err := a.tx.CreateAccount(a.ctx, account); err != nil {
			return fmt.Errorf("account %q: %w", def.Key, err)
		}
		a.accounts[def.Key] = account.ID
		a.res.Accounts++
	}

	for _, def := range f.BankAccounts {
		accountID, err := a.account(def.Account)
		if err != nil {
			return fmt.Errorf("bank account %q: %w", def.Name, err)
		}
		bank := &model.BankAccount{
			Name:          def.Name,
			BankName:      def.Bank,
			IBAN:          def.IBAN,
			BIC:           def.BIC,
			AccountNumber: def.AccountNumber,
			AccountID:     accountID,
		}
		if err := a.tx.CreateBankAccount(a.ctx, bank); err != nil {
			return fmt.Errorf("bank account %q: %w", def.Name, err)
		}
	}

	for _, def := range f.Buildings {
		if err := a.building(def); err != nil {
			return fmt.Errorf("building %q: %w", def.ShortName, err)
		}
	}

	for _, def := range f.Groups {
		group := &model.Group{Name: def.Name}
		if err := a.tx.CreateGroup(a.ctx, group); err != nil {
			return fmt.Errorf("group %q: %w", def.Name, err)
		}
		a.groups[def.Name] = group.ID
		for _, name := range def.Grants {
			if _, err := a.tx.UpsertProperty(a.ctx, group.ID, name, true); err != nil {
				return fmt.Errorf("group %q: %w", def.Name, err)
			}
		}
		for _, name := range def.Denies {
			if _, err := a.tx.UpsertProperty(a.ctx, group.ID, name, false); err != nil {
				return fmt.Errorf("group %q: %w", def.Name, err)
			}
		}
	}

	for _, def := range f.Users {
		if err := a.user(def); err != nil {
			return fmt.Errorf("user %q: %w", def.Login, err)
		}
	}

	for _, def := range f.Fees {
		if err := a.fee(def); err != nil {
			return fmt.Errorf("fee %q: %w", def.Name, err)
		}
	}

	for _, def := range f.Patterns {
		accountID, err := a.account(def.Account)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", def.Pattern, err)
		}
		p := &model.AccountPattern{Pattern: def.Pattern, AccountID: accountID}
		if err := pattern.Validate(*p); err != nil {
			return err
		}
		if err := a.tx.CreateAccountPattern(a.ctx, p); err != nil {
			return fmt.Errorf("pattern %q: %w", def.Pattern, err)
		}
		a.res.Patterns++
	}
	return nil
}

func (a *applier) account(key string) (int64, error) {
	id, ok := a.accounts[key]
	if !ok {
		return 0, fmt.Errorf("%w: account %q", ErrUnknownReference, key)
	}
	return id, nil
}

func (a *applier) building(def Building) error {
	building := &model.Building{ShortName: def.ShortName}
	if def.FeeAccount != "" {
		id, err := a.account(def.FeeAccount)
		if err != nil {
			return err
		}
		building.FeeAccountID = &id
	}
	if err := a.tx.CreateBuilding(a.ctx, building); err != nil {
		return err
	}
	for _, number := range def.Rooms {
		room := &model.Room{BuildingID: building.ID, Number: number}
		if err := a.tx.CreateRoom(a.ctx, room); err != nil {
			return fmt.Errorf("room %q: %w", number, err)
		}
		a.rooms[def.ShortName+"/"+number] = room.ID
	}
	return nil
}

func (a *applier) user(def User) error {
	name := def.Name
	if name == "" {
		name = def.Login
	}
	account := &model.Account{Name: "User " + def.Login, Type: model.AccountTypeUserAsset}
	if err := a.tx.CreateAccount(a.ctx, account); err != nil {
		return err
	}
	user := &model.User{Login: def.Login, Name: name, AccountID: account.ID, RegisteredAt: time.Now()}
	if err := a.tx.CreateUser(a.ctx, user); err != nil {
		return err
	}
	a.res.Users++

	for _, m := range def.Memberships {
		groupID, ok := a.groups[m.Group]
		if !ok {
			return fmt.Errorf("%w: group %q", ErrUnknownReference, m.Group)
		}
		during, err := span(m.Since, m.Until)
		if err != nil {
			return err
		}
		membership := &model.Membership{UserID: user.ID, GroupID: groupID, ActiveDuring: during}
		if err := a.tx.AddMembership(a.ctx, membership); err != nil {
			return fmt.Errorf("membership in %q: %w", m.Group, err)
		}
		a.res.Memberships++
	}

	for _, r := range def.Residences {
		roomID, ok := a.rooms[r.Building+"/"+r.Room]
		if !ok {
			return fmt.Errorf("%w: room %s/%s", ErrUnknownReference, r.Building, r.Room)
		}
		during, err := span(r.Since, r.Until)
		if err != nil {
			return err
		}
		entry := &model.RoomHistoryEntry{UserID: user.ID, RoomID: roomID, ActiveDuring: during}
		if err := a.tx.AddRoomHistoryEntry(a.ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) fee(def Fee) error {
	amount, err := decimal.NewFromString(def.RegularFee)
	if err != nil {
		return fmt.Errorf("regular_fee %q: %w", def.RegularFee, err)
	}
	cents := amount.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return fmt.Errorf("regular_fee %q has fractional cents", def.RegularFee)
	}

	beginsOn, err := time.Parse(dateLayout, def.BeginsOn)
	if err != nil {
		return fmt.Errorf("begins_on: %w", err)
	}
	endsOn, err := time.Parse(dateLayout, def.EndsOn)
	if err != nil {
		return fmt.Errorf("ends_on: %w", err)
	}

	fee := &model.MembershipFee{
		Name:                 def.Name,
		RegularFee:           cents.IntPart(),
		BeginsOn:             beginsOn,
		EndsOn:               endsOn,
		BookingBegin:         def.BookingBegin,
		BookingEnd:           def.BookingEnd,
		PaymentDeadline:      def.PaymentDeadline,
		PaymentDeadlineFinal: def.PaymentDeadlineFinal,
	}
	if err := a.tx.CreateMembershipFee(a.ctx, fee); err != nil {
		return err
	}
	a.res.Fees++
	return nil
}

// span parses a [since, until) date pair; an empty until is unbounded.
func span(since, until string) (interval.Interval[time.Time], error) {
	begin, err := time.Parse(dateLayout, since)
	if err != nil {
		return interval.Interval[time.Time]{}, fmt.Errorf("since: %w", err)
	}
	if until == "" {
		return interval.Since(begin), nil
	}
	end, err := time.Parse(dateLayout, until)
	if err != nil {
		return interval.Interval[time.Time]{}, fmt.Errorf("until: %w", err)
	}
	return interval.New(&begin, &end)
}
