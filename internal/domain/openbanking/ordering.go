package openbanking

import (
	"cmp"
	"fmt"
	"slices"

	"cloud.google.com/go/civil"

	"banksync/internal/infrastructure/gocardless"
)

const undatedFileName = "undated.json"

// BucketKey identifies a calendar month of transactions, or the catch-all
// bucket for transactions without any date.
type BucketKey struct {
	Month civil.Date // first of the month; zero for the undated bucket
	Dated bool
}

// UndatedBucket is the key for transactions without any date.
var UndatedBucket = BucketKey{}

// MonthBucket returns the key of the month containing d.
func MonthBucket(d civil.Date) BucketKey {
	return BucketKey{Month: firstOfMonth(d), Dated: true}
}

// FileName is the name of the file the bucket is written to.
func (k BucketKey) FileName() string {
	if !k.Dated {
		return undatedFileName
	}
	return fmt.Sprintf("%04d-%02d.jsonl", k.Month.Year, int(k.Month.Month))
}

func (k BucketKey) String() string {
	if !k.Dated {
		return "undated"
	}
	return fmt.Sprintf("%04d-%02d", k.Month.Year, int(k.Month.Month))
}

// Buckets maps each bucket to its ordered transactions.
type Buckets map[BucketKey][]gocardless.ClassifiedTransaction

// Keys returns the bucket keys with months ascending and the undated bucket
// last.
func (b Buckets) Keys() []BucketKey {
	keys := make([]BucketKey, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y BucketKey) int {
		if x.Dated != y.Dated {
			if x.Dated {
				return -1
			}
			return 1
		}
		switch {
		case x.Month.Before(y.Month):
			return -1
		case x.Month.After(y.Month):
			return 1
		}
		return 0
	})
	return keys
}

// BucketTransactions groups booked and pending transactions by the month of
// their best-effort date. Within a bucket booked transactions precede pending
// ones before a stable sort by CompareTransactions.
func BucketTransactions(booked, pending []gocardless.Transaction) Buckets {
	buckets := make(Buckets)
	add := func(class gocardless.TransactionClass, txs []gocardless.Transaction) {
		for _, tx := range txs {
			key := UndatedBucket
			if d, ok := tx.BestEffortDate(); ok {
				key = MonthBucket(d)
			}
			buckets[key] = append(buckets[key], gocardless.ClassifiedTransaction{Class: class, Transaction: tx})
		}
	}
	add(gocardless.ClassBooked, booked)
	add(gocardless.ClassPending, pending)

	for key, txs := range buckets {
		slices.SortStableFunc(txs, func(a, b gocardless.ClassifiedTransaction) int {
			return CompareTransactions(&a.Transaction, &b.Transaction)
		})
		buckets[key] = txs
	}
	return buckets
}

// CompareTransactions orders by best-effort timestamp, then transaction id,
// then internal transaction id. The timestamp key only applies when both
// sides have one; otherwise it compares equal and the ids decide. A missing
// id sorts before any present id.
//
// Because of the missing-timestamp rule the order is not transitive across
// dated and undated transactions in the same bucket; callers rely on a stable
// sort for reproducible output.
func CompareTransactions(a, b *gocardless.Transaction) int {
	ta, okA := a.BestEffortTimestamp()
	tb, okB := b.BestEffortTimestamp()
	if okA && okB {
		if c := ta.Compare(tb); c != 0 {
			return c
		}
	}
	if c := compareOptional(a.TransactionID, b.TransactionID); c != 0 {
		return c
	}
	return compareOptional(a.InternalTransactionID, b.InternalTransactionID)
}

func compareOptional(a, b *string) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return cmp.Compare(*a, *b)
}
