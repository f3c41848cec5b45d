package openbanking

import (
	"slices"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"banksync/internal/infrastructure/gocardless"
)

func mustDate(t *testing.T, s string) civil.Date {
	t.Helper()
	d, err := civil.ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", s, err)
	}
	return d
}

func ids(txs []gocardless.ClassifiedTransaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		if tx.Transaction.TransactionID != nil {
			out[i] = *tx.Transaction.TransactionID
		}
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBucketTransactions_OrdersWithinMonth(t *testing.T) {
	booked := []gocardless.Transaction{
		{BookingDate: datePtr(date(2024, 3, 2)), TransactionID: strPtr("B")},
		{BookingDate: datePtr(date(2024, 3, 1)), TransactionID: strPtr("A")},
		{BookingDate: datePtr(date(2024, 3, 3)), TransactionID: strPtr("C")},
	}

	buckets := BucketTransactions(booked, nil)
	if len(buckets) != 1 {
		t.Fatalf("len(buckets) = %d, want 1", len(buckets))
	}
	got := buckets[MonthBucket(date(2024, 3, 1))]
	if want := []string{"A", "B", "C"}; !equal(ids(got), want) {
		t.Errorf("order = %v, want %v", ids(got), want)
	}
	for _, tx := range got {
		if tx.Class != gocardless.ClassBooked {
			t.Errorf("Class = %q, want booked", tx.Class)
		}
	}
}

func TestBucketTransactions_BookedBeforePendingOnTies(t *testing.T) {
	day := datePtr(date(2024, 5, 10))
	booked := []gocardless.Transaction{{BookingDate: day, TransactionID: strPtr("X")}}
	pending := []gocardless.Transaction{{ValueDate: day, TransactionID: strPtr("X")}}

	got := BucketTransactions(booked, pending)[MonthBucket(*day)]
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Class != gocardless.ClassBooked || got[1].Class != gocardless.ClassPending {
		t.Errorf("classes = %s, %s; want booked, pending", got[0].Class, got[1].Class)
	}
}

func TestBucketTransactions_SplitsMonthsAndUndated(t *testing.T) {
	booked := []gocardless.Transaction{
		{BookingDate: datePtr(date(2024, 4, 2)), TransactionID: strPtr("apr")},
		{TransactionID: strPtr("none")},
	}
	ts := time.Date(2024, time.March, 31, 22, 0, 0, 0, time.UTC)
	pending := []gocardless.Transaction{
		{BookingDateTime: &ts, TransactionID: strPtr("mar")},
	}

	buckets := BucketTransactions(booked, pending)
	keys := buckets.Keys()

	var names []string
	for _, k := range keys {
		names = append(names, k.String())
	}
	if want := []string{"2024-03", "2024-04", "undated"}; !equal(names, want) {
		t.Fatalf("Keys() = %v, want %v", names, want)
	}
	if got := ids(buckets[UndatedBucket]); !equal(got, []string{"none"}) {
		t.Errorf("undated = %v", got)
	}
	if got := ids(buckets[keys[0]]); !equal(got, []string{"mar"}) {
		t.Errorf("2024-03 = %v", got)
	}
}

func TestBucketKeyFileName(t *testing.T) {
	if got := MonthBucket(date(2024, 3, 17)).FileName(); got != "2024-03.jsonl" {
		t.Errorf("FileName() = %q, want 2024-03.jsonl", got)
	}
	if got := UndatedBucket.FileName(); got != "undated.json" {
		t.Errorf("FileName() = %q, want undated.json", got)
	}
}

func TestCompareTransactions(t *testing.T) {
	early := datePtr(date(2024, 3, 1))
	late := datePtr(date(2024, 3, 2))

	tests := []struct {
		name string
		a, b gocardless.Transaction
		want int
	}{
		{
			name: "timestamp decides",
			a:    gocardless.Transaction{BookingDate: late, TransactionID: strPtr("a")},
			b:    gocardless.Transaction{BookingDate: early, TransactionID: strPtr("b")},
			want: 1,
		},
		{
			name: "transaction id on same day",
			a:    gocardless.Transaction{BookingDate: early, TransactionID: strPtr("a")},
			b:    gocardless.Transaction{BookingDate: early, TransactionID: strPtr("b")},
			want: -1,
		},
		{
			name: "missing id sorts first",
			a:    gocardless.Transaction{BookingDate: early, TransactionID: strPtr("a")},
			b:    gocardless.Transaction{BookingDate: early},
			want: 1,
		},
		{
			name: "internal id breaks tie",
			a:    gocardless.Transaction{TransactionID: strPtr("a"), InternalTransactionID: strPtr("2")},
			b:    gocardless.Transaction{TransactionID: strPtr("a"), InternalTransactionID: strPtr("1")},
			want: 1,
		},
		{
			name: "one side undated skips timestamp",
			a:    gocardless.Transaction{BookingDate: late, TransactionID: strPtr("a")},
			b:    gocardless.Transaction{TransactionID: strPtr("b")},
			want: -1,
		},
		{
			name: "all missing",
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareTransactions(&tt.a, &tt.b); got != tt.want {
				t.Errorf("CompareTransactions() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBucketTransactions_UndatedAmongSameInstant(t *testing.T) {
	day := datePtr(date(2024, 3, 15))
	a := gocardless.Transaction{BookingDate: day, TransactionID: strPtr("b")}
	b := gocardless.Transaction{BookingDate: day, TransactionID: strPtr("a")}
	c := gocardless.Transaction{TransactionID: strPtr("z")}

	inputs := [][]gocardless.Transaction{
		{a, b, c},
		{c, a, b},
		{c, b, a},
		{b, c, a},
	}
	for _, in := range inputs {
		got := make([]gocardless.ClassifiedTransaction, len(in))
		for i, tx := range in {
			got[i] = gocardless.ClassifiedTransaction{Class: gocardless.ClassBooked, Transaction: tx}
		}
		input := ids(got)
		slices.SortStableFunc(got, func(x, y gocardless.ClassifiedTransaction) int {
			return CompareTransactions(&x.Transaction, &y.Transaction)
		})
		if want := []string{"a", "b", "z"}; !equal(ids(got), want) {
			t.Errorf("sorted %v = %v, want %v", input, ids(got), want)
		}
	}
}
