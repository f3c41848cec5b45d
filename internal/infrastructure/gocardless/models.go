package gocardless

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReferenceZone is the zone in which date-only fields are placed at midnight
// when a timestamp is needed.
var ReferenceZone = time.UTC

// RequisitionStatus is the provider's two-letter requisition state. Values
// outside the known set are kept as-is.
type RequisitionStatus string

const (
	RequisitionCreated                  RequisitionStatus = "CR"
	RequisitionGivingConsent            RequisitionStatus = "GC"
	RequisitionUndergoingAuthentication RequisitionStatus = "UA"
	RequisitionRejected                 RequisitionStatus = "RJ"
	RequisitionSelectingAccounts        RequisitionStatus = "SA"
	RequisitionGrantingAccess           RequisitionStatus = "GA"
	RequisitionLinked                   RequisitionStatus = "LN"
	RequisitionExpired                  RequisitionStatus = "EX"
)

// IsKnown reports whether s is one of the documented states.
func (s RequisitionStatus) IsKnown() bool {
	switch s {
	case RequisitionCreated, RequisitionGivingConsent, RequisitionUndergoingAuthentication,
		RequisitionRejected, RequisitionSelectingAccounts, RequisitionGrantingAccess,
		RequisitionLinked, RequisitionExpired:
		return true
	}
	return false
}

// InProgress reports whether the end user still has steps to complete in the
// provider-hosted flow.
func (s RequisitionStatus) InProgress() bool {
	switch s {
	case RequisitionCreated, RequisitionGivingConsent, RequisitionUndergoingAuthentication,
		RequisitionSelectingAccounts, RequisitionGrantingAccess:
		return true
	}
	return false
}

// Requisition is one consent-linking session and the accounts it grants.
type Requisition struct {
	ID       uuid.UUID         `json:"id"`
	Link     string            `json:"link"`
	Status   RequisitionStatus `json:"status"`
	Accounts []uuid.UUID       `json:"accounts"`
	Extra    Extra             `json:"-"`
}

var requisitionFields = fields("id", "link", "status", "accounts")

// IsLinked reports whether the requisition's accounts may be synced.
func (r *Requisition) IsLinked() bool {
	return r.Status == RequisitionLinked
}

func (r *Requisition) UnmarshalJSON(data []byte) error {
	type plain Requisition
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	extra, err := splitExtra(data, requisitionFields)
	if err != nil {
		return err
	}
	r.Extra = extra
	return nil
}

func (r Requisition) MarshalJSON() ([]byte, error) {
	type plain Requisition
	return encodeWithExtra(plain(r), r.Extra)
}

// RequisitionRequest is the body of POST /api/v2/requisitions/.
type RequisitionRequest struct {
	InstitutionID string `json:"institution_id"`
	Redirect      string `json:"redirect"`
	Reference     string `json:"reference,omitempty"`
}

// AccountStatus is the provider's account state. Values outside the known set
// are kept as-is.
type AccountStatus string

const (
	AccountReady     AccountStatus = "READY"
	AccountExpired   AccountStatus = "EXPIRED"
	AccountError     AccountStatus = "ERROR"
	AccountSuspended AccountStatus = "SUSPENDED"
)

// IsKnown reports whether s is one of the documented states.
func (s AccountStatus) IsKnown() bool {
	switch s {
	case AccountReady, AccountExpired, AccountError, AccountSuspended:
		return true
	}
	return false
}

// Account is the details record returned by GET /api/v2/accounts/{id}/.
type Account struct {
	ID            uuid.UUID     `json:"id"`
	Created       time.Time     `json:"created,omitzero"`
	IBAN          string        `json:"iban,omitempty"`
	Status        AccountStatus `json:"status"`
	InstitutionID string        `json:"institution_id,omitempty"`
	OwnerName     string        `json:"owner_name,omitempty"`
	Extra         Extra         `json:"-"`
}

// last_accessed changes on every fetch, so it is not written back.
var accountFields = fields("id", "created", "last_accessed", "iban", "status", "institution_id", "owner_name")

func (a *Account) UnmarshalJSON(data []byte) error {
	type plain Account
	if err := json.Unmarshal(data, (*plain)(a)); err != nil {
		return err
	}
	extra, err := splitExtra(data, accountFields)
	if err != nil {
		return err
	}
	a.Extra = extra
	return nil
}

func (a Account) MarshalJSON() ([]byte, error) {
	type plain Account
	return encodeWithExtra(plain(a), a.Extra)
}

// Balances is the body of GET /api/v2/accounts/{id}/balances/.
type Balances struct {
	Balances []Balance `json:"balances"`
	Extra    Extra     `json:"-"`
}

var balancesFields = fields("balances")

func (b *Balances) UnmarshalJSON(data []byte) error {
	type plain Balances
	if err := json.Unmarshal(data, (*plain)(b)); err != nil {
		return err
	}
	extra, err := splitExtra(data, balancesFields)
	if err != nil {
		return err
	}
	b.Extra = extra
	return nil
}

func (b Balances) MarshalJSON() ([]byte, error) {
	type plain Balances
	return encodeWithExtra(plain(b), b.Extra)
}

// Balance is a single balance entry of an account.
type Balance struct {
	BalanceAmount       Amount     `json:"balanceAmount"`
	BalanceType         string     `json:"balanceType"`
	CreditLimitIncluded *bool      `json:"creditLimitIncluded,omitempty"`
	LastChangeDateTime  *time.Time `json:"lastChangeDateTime,omitempty"`
	ReferenceDate       civil.Date `json:"referenceDate"`
	Extra               Extra      `json:"-"`
}

var balanceFields = fields("balanceAmount", "balanceType", "creditLimitIncluded", "lastChangeDateTime", "referenceDate")

func (b *Balance) UnmarshalJSON(data []byte) error {
	type plain Balance
	if err := json.Unmarshal(data, (*plain)(b)); err != nil {
		return err
	}
	if b.ReferenceDate == (civil.Date{}) {
		return fmt.Errorf("balance %q: referenceDate is required", b.BalanceType)
	}
	extra, err := splitExtra(data, balanceFields)
	if err != nil {
		return err
	}
	b.Extra = extra
	return nil
}

func (b Balance) MarshalJSON() ([]byte, error) {
	type plain Balance
	return encodeWithExtra(plain(b), b.Extra)
}

// Amount is an exact decimal amount in a currency.
type Amount struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Extra    Extra           `json:"-"`
}

var amountFields = fields("amount", "currency")

func (a *Amount) UnmarshalJSON(data []byte) error {
	type plain Amount
	if err := json.Unmarshal(data, (*plain)(a)); err != nil {
		return err
	}
	extra, err := splitExtra(data, amountFields)
	if err != nil {
		return err
	}
	a.Extra = extra
	return nil
}

// MarshalJSON writes the amount as a string keeping the scale it was received
// with, so "10.50" stays "10.50".
func (a Amount) MarshalJSON() ([]byte, error) {
	var scale int32
	if exp := a.Amount.Exponent(); exp < 0 {
		scale = -exp
	}
	known := struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   a.Amount.StringFixed(scale),
		Currency: a.Currency,
	}
	return encodeWithExtra(known, a.Extra)
}

// TransactionsResponse is the body of GET /api/v2/accounts/{id}/transactions/.
type TransactionsResponse struct {
	Transactions TransactionLists `json:"transactions"`
	Extra        Extra            `json:"-"`
}

var transactionsResponseFields = fields("transactions")

func (t *TransactionsResponse) UnmarshalJSON(data []byte) error {
	type plain TransactionsResponse
	if err := json.Unmarshal(data, (*plain)(t)); err != nil {
		return err
	}
	extra, err := splitExtra(data, transactionsResponseFields)
	if err != nil {
		return err
	}
	t.Extra = extra
	return nil
}

func (t TransactionsResponse) MarshalJSON() ([]byte, error) {
	type plain TransactionsResponse
	return encodeWithExtra(plain(t), t.Extra)
}

// TransactionLists holds the two disjoint transaction lists of an account.
type TransactionLists struct {
	Booked  []Transaction `json:"booked"`
	Pending []Transaction `json:"pending"`
	Extra   Extra         `json:"-"`
}

var transactionListsFields = fields("booked", "pending")

func (t *TransactionLists) UnmarshalJSON(data []byte) error {
	type plain TransactionLists
	if err := json.Unmarshal(data, (*plain)(t)); err != nil {
		return err
	}
	extra, err := splitExtra(data, transactionListsFields)
	if err != nil {
		return err
	}
	t.Extra = extra
	return nil
}

func (t TransactionLists) MarshalJSON() ([]byte, error) {
	type plain TransactionLists
	return encodeWithExtra(plain(t), t.Extra)
}

// Transaction is a single booked or pending transaction. Only the fields used
// for ordering are typed; everything else travels in Extra.
type Transaction struct {
	BookingDate           *civil.Date `json:"bookingDate,omitempty"`
	BookingDateTime       *time.Time  `json:"bookingDateTime,omitempty"`
	ValueDate             *civil.Date `json:"valueDate,omitempty"`
	ValueDateTime         *time.Time  `json:"valueDateTime,omitempty"`
	TransactionID         *string     `json:"transactionId,omitempty"`
	InternalTransactionID *string     `json:"internalTransactionId,omitempty"`
	Extra                 Extra       `json:"-"`
}

var transactionFields = fields("bookingDate", "bookingDateTime", "valueDate", "valueDateTime", "transactionId", "internalTransactionId")

func (t *Transaction) UnmarshalJSON(data []byte) error {
	type plain Transaction
	if err := json.Unmarshal(data, (*plain)(t)); err != nil {
		return err
	}
	extra, err := splitExtra(data, transactionFields)
	if err != nil {
		return err
	}
	t.Extra = extra
	return nil
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	type plain Transaction
	return encodeWithExtra(plain(t), t.Extra)
}

// BestEffortDate returns the first available of bookingDate, the date of
// bookingDateTime, valueDate and the date of valueDateTime.
func (t *Transaction) BestEffortDate() (civil.Date, bool) {
	switch {
	case t.BookingDate != nil:
		return *t.BookingDate, true
	case t.BookingDateTime != nil:
		return civil.DateOf(t.BookingDateTime.In(ReferenceZone)), true
	case t.ValueDate != nil:
		return *t.ValueDate, true
	case t.ValueDateTime != nil:
		return civil.DateOf(t.ValueDateTime.In(ReferenceZone)), true
	}
	return civil.Date{}, false
}

// BestEffortTimestamp returns the first available of bookingDateTime,
// bookingDate at midnight, valueDateTime and valueDate at midnight.
func (t *Transaction) BestEffortTimestamp() (time.Time, bool) {
	switch {
	case t.BookingDateTime != nil:
		return *t.BookingDateTime, true
	case t.BookingDate != nil:
		return t.BookingDate.In(ReferenceZone), true
	case t.ValueDateTime != nil:
		return *t.ValueDateTime, true
	case t.ValueDate != nil:
		return t.ValueDate.In(ReferenceZone), true
	}
	return time.Time{}, false
}

// TransactionClass records which provider list a transaction came from.
type TransactionClass string

const (
	ClassBooked  TransactionClass = "booked"
	ClassPending TransactionClass = "pending"
)

// ClassifiedTransaction is a transaction tagged with its class. It encodes as
// the transaction object with a leading "status" member.
type ClassifiedTransaction struct {
	Class       TransactionClass
	Transaction Transaction
}

func (c ClassifiedTransaction) MarshalJSON() ([]byte, error) {
	obj, err := c.Transaction.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return prependMember(obj, "status", c.Class)
}

func (c *ClassifiedTransaction) UnmarshalJSON(data []byte) error {
	var tag struct {
		Status TransactionClass `json:"status"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	switch tag.Status {
	case ClassBooked, ClassPending:
	default:
		return fmt.Errorf("unknown transaction class %q", tag.Status)
	}
	if err := c.Transaction.UnmarshalJSON(data); err != nil {
		return err
	}
	c.Class = tag.Status
	c.Transaction.Extra = c.Transaction.Extra.Without("status")
	return nil
}

// Institution is a bank supported by the provider.
type Institution struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	BIC                   string   `json:"bic"`
	TransactionTotalDays  string   `json:"transaction_total_days"`
	MaxAccessValidForDays string   `json:"max_access_valid_for_days"`
	Countries             []string `json:"countries"`
	Logo                  string   `json:"logo"`
}

// TokenRequest is the body of POST /api/v2/token/new/.
type TokenRequest struct {
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
}

// TokenPair is the access/refresh pair issued for a secret.
type TokenPair struct {
	Access         string `json:"access"`
	AccessExpires  int    `json:"access_expires"`
	Refresh        string `json:"refresh"`
	RefreshExpires int    `json:"refresh_expires"`
}

// ErrorResponse is the provider's error body.
type ErrorResponse struct {
	Summary    string `json:"summary"`
	Detail     string `json:"detail"`
	StatusCode int    `json:"status_code"`
}
