package openbanking

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"banksync/internal/infrastructure/filestore"
	"banksync/internal/infrastructure/gocardless"
	"banksync/internal/shared/logging"
)

func newIngest(client gocardless.ClientInterface) *IngestService {
	return NewIngestService(client, filestore.New(2), logging.Discard())
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s): %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestIngestAccount_WritesFiles(t *testing.T) {
	out := t.TempDir()
	accountID := uuid.MustParse("3fa85f64-5717-4562-b3fc-2c963f66afa6")
	window := DateWindow{Start: date(2024, 4, 1), End: date(2024, 6, 15)}

	var gotFrom, gotTo civil.Date
	client := &MockClient{
		GetAccountFunc: func(ctx context.Context, id uuid.UUID) (*gocardless.Account, error) {
			return &gocardless.Account{ID: id, IBAN: "GB33BUKB20201555555555", Status: gocardless.AccountReady}, nil
		},
		GetBalancesFunc: func(ctx context.Context, id uuid.UUID) (*gocardless.Balances, error) {
			return &gocardless.Balances{Balances: []gocardless.Balance{
				{BalanceAmount: gocardless.Amount{Amount: decimal.RequireFromString("10.50"), Currency: "GBP"}, BalanceType: "expected", ReferenceDate: date(2024, 6, 15)},
				{BalanceAmount: gocardless.Amount{Amount: decimal.RequireFromString("9.00"), Currency: "GBP"}, BalanceType: "closingBooked", ReferenceDate: date(2024, 6, 14)},
			}}, nil
		},
		GetTransactionsFunc: func(ctx context.Context, id uuid.UUID, from, to civil.Date) (*gocardless.TransactionsResponse, error) {
			gotFrom, gotTo = from, to
			return &gocardless.TransactionsResponse{Transactions: gocardless.TransactionLists{
				Booked: []gocardless.Transaction{
					{BookingDate: datePtr(date(2024, 5, 2)), TransactionID: strPtr("b2")},
					{BookingDate: datePtr(date(2024, 5, 1)), TransactionID: strPtr("b1")},
					{BookingDate: datePtr(date(2024, 4, 20)), TransactionID: strPtr("b0")},
				},
				Pending: []gocardless.Transaction{
					{TransactionID: strPtr("p0")},
				},
			}}, nil
		},
	}

	res, err := newIngest(client).IngestAccount(context.Background(), out, accountID, window)
	if err != nil {
		t.Fatalf("IngestAccount() error = %v", err)
	}
	if gotFrom != window.Start || gotTo != window.End {
		t.Errorf("transactions queried for %s..%s, want %s..%s", gotFrom, gotTo, window.Start, window.End)
	}
	if res.Balances != 2 || res.Booked != 3 || res.Pending != 1 {
		t.Errorf("result = %+v", res)
	}

	dir := filepath.Join(out, "GB33BUKB20201555555555")
	if res.Dir != dir {
		t.Errorf("Dir = %s, want %s", res.Dir, dir)
	}
	want := []string{"2024-04.jsonl", "2024-05.jsonl", "account-details.json", "balances.jsonl", "undated.json"}
	if got := listDir(t, dir); !equal(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}

	balances := readLines(t, filepath.Join(dir, "balances.jsonl"))
	if len(balances) != 2 || !strings.Contains(balances[0], `"amount":"10.50"`) {
		t.Errorf("balances.jsonl = %v", balances)
	}

	may := readLines(t, filepath.Join(dir, "2024-05.jsonl"))
	if len(may) != 2 || !strings.Contains(may[0], `"transactionId":"b1"`) || !strings.HasPrefix(may[0], `{"status":"booked"`) {
		t.Errorf("2024-05.jsonl = %v", may)
	}

	undated := readLines(t, filepath.Join(dir, "undated.json"))
	if len(undated) != 1 || !strings.HasPrefix(undated[0], `{"status":"pending"`) {
		t.Errorf("undated.json = %v", undated)
	}
}

const (
	accountPayload      = `{"id":"3fa85f64-5717-4562-b3fc-2c963f66afa6","created":"2024-01-02T03:04:05Z","last_accessed":"2024-06-15T10:00:00Z","iban":"GB33BUKB20201555555555","status":"READY","bban":"123","owner_name":"Jane <Doe> & Co"}`
	balancesPayload     = `{"balances":[{"balanceAmount":{"amount":"10.50","currency":"GBP"},"balanceType":"expected","referenceDate":"2024-06-15","lastChangeDateTime":null}]}`
	transactionsPayload = `{"transactions":{"booked":[` +
		`{"bookingDate":"2024-05-02","transactionId":"b","remittanceInformationUnstructured":"<b>caf\u00e9</b> & tea","transactionAmount":{"amount":"-3.50","currency":"GBP"}},` +
		`{"valueDateTime":"2024-05-02T00:30:00+02:00","transactionId":"a","creditorName":null},` +
		`{"transactionId":"z","debtorAccount":{"iban":"GB00"}}` +
		`],"pending":[{"valueDate":"2024-04-30","transactionId":"p","entryReference":"r1"}]},"last_updated":"2024-06-15"}`
)

func decodeInto[T any](t *testing.T, payload string) *T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		t.Fatalf("Unmarshal(%T): %v", v, err)
	}
	return &v
}

func TestIngestAccount_RerunIsByteIdentical(t *testing.T) {
	client := &MockClient{
		GetAccountFunc: func(ctx context.Context, id uuid.UUID) (*gocardless.Account, error) {
			return decodeInto[gocardless.Account](t, accountPayload), nil
		},
		GetBalancesFunc: func(ctx context.Context, id uuid.UUID) (*gocardless.Balances, error) {
			return decodeInto[gocardless.Balances](t, balancesPayload), nil
		},
		GetTransactionsFunc: func(ctx context.Context, id uuid.UUID, from, to civil.Date) (*gocardless.TransactionsResponse, error) {
			return decodeInto[gocardless.TransactionsResponse](t, transactionsPayload), nil
		},
	}
	svc := newIngest(client)
	accountID := uuid.MustParse("3fa85f64-5717-4562-b3fc-2c963f66afa6")
	window := DateWindow{Start: date(2024, 4, 1), End: date(2024, 6, 15)}

	first, second := t.TempDir(), t.TempDir()
	for _, out := range []string{first, second} {
		if _, err := svc.IngestAccount(context.Background(), out, accountID, window); err != nil {
			t.Fatalf("IngestAccount() error = %v", err)
		}
	}

	dirA := filepath.Join(first, "GB33BUKB20201555555555")
	dirB := filepath.Join(second, "GB33BUKB20201555555555")
	names := listDir(t, dirA)
	if got := listDir(t, dirB); !equal(got, names) {
		t.Fatalf("files = %v and %v", names, got)
	}
	for _, name := range names {
		a, err := os.ReadFile(filepath.Join(dirA, name))
		if err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(filepath.Join(dirB, name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("%s differs between runs:\n%s\n%s", name, a, b)
		}
	}

	details, err := os.ReadFile(filepath.Join(dirA, "account-details.json"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(details, []byte("last_accessed")) {
		t.Errorf("account-details.json kept last_accessed:\n%s", details)
	}
	if !bytes.Contains(details, []byte(`"Jane <Doe> & Co"`)) {
		t.Errorf("account-details.json escaped owner name:\n%s", details)
	}

	may := readLines(t, filepath.Join(dirA, "2024-05.jsonl"))
	if len(may) != 2 {
		t.Fatalf("2024-05.jsonl has %d lines, want 2", len(may))
	}
	if !strings.Contains(may[0], `"transactionId":"a","creditorName":null`) {
		t.Errorf("first line = %s", may[0])
	}
	if !strings.Contains(may[1], `"transactionId":"b","remittanceInformationUnstructured":"<b>caf\u00e9</b> & tea","transactionAmount"`) {
		t.Errorf("second line = %s", may[1])
	}
	if undated := readLines(t, filepath.Join(dirA, "undated.json")); len(undated) != 1 || !strings.Contains(undated[0], `"transactionId":"z"`) {
		t.Errorf("undated.json = %v", undated)
	}
}

func TestIngestAccount_UnusableAccount(t *testing.T) {
	out := t.TempDir()
	accountID := uuid.New()

	var fetchedTransactions bool
	client := &MockClient{
		GetAccountFunc: func(ctx context.Context, id uuid.UUID) (*gocardless.Account, error) {
			return &gocardless.Account{ID: id, IBAN: "DE89370400440532013000", Status: gocardless.AccountError}, nil
		},
		GetTransactionsFunc: func(ctx context.Context, id uuid.UUID, from, to civil.Date) (*gocardless.TransactionsResponse, error) {
			fetchedTransactions = true
			return &gocardless.TransactionsResponse{}, nil
		},
	}

	_, err := newIngest(client).IngestAccount(context.Background(), out, accountID, DateWindow{})
	if !errors.Is(err, ErrAccountUnusable) {
		t.Fatalf("IngestAccount() error = %v, want ErrAccountUnusable", err)
	}
	var accErr *AccountError
	if !errors.As(err, &accErr) {
		t.Fatalf("error %T is not *AccountError", err)
	}
	if accErr.IBAN != "DE89370400440532013000" || accErr.Status != gocardless.AccountError {
		t.Errorf("AccountError = %+v", accErr)
	}
	if fetchedTransactions {
		t.Error("transactions fetched for unusable account")
	}

	got := listDir(t, filepath.Join(out, "DE89370400440532013000"))
	if !equal(got, []string{"account-details.json"}) {
		t.Errorf("files = %v, want only account-details.json", got)
	}
}

func TestIngestAccount_RemoteFailure(t *testing.T) {
	out := t.TempDir()
	remote := errors.New("connection reset")
	client := &MockClient{
		GetBalancesFunc: func(ctx context.Context, id uuid.UUID) (*gocardless.Balances, error) {
			return nil, remote
		},
	}

	_, err := newIngest(client).IngestAccount(context.Background(), out, uuid.New(), DateWindow{})
	if !errors.Is(err, remote) {
		t.Fatalf("IngestAccount() error = %v, want wrapped %v", err, remote)
	}
	var accErr *AccountError
	if !errors.As(err, &accErr) || accErr.IBAN == "" {
		t.Errorf("error = %#v, want *AccountError with IBAN", err)
	}
}

func TestAccountDirName(t *testing.T) {
	id := uuid.MustParse("3fa85f64-5717-4562-b3fc-2c963f66afa6")
	tests := []struct {
		iban string
		want string
	}{
		{"GB33BUKB20201555555555", "GB33BUKB20201555555555"},
		{"", id.String()},
		{"  ", id.String()},
		{"..", id.String()},
		{"GB/33", id.String()},
		{`GB\33`, id.String()},
	}

	for _, tt := range tests {
		t.Run(tt.iban, func(t *testing.T) {
			if got := accountDirName(id, tt.iban); got != tt.want {
				t.Errorf("accountDirName(%q) = %q, want %q", tt.iban, got, tt.want)
			}
		})
	}
}
