package postgres

import (
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
)

func TestSanitizeQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "placeholders kept",
			query: "INSERT INTO sync_runs (id, provider) VALUES ($1, $2)",
			want:  "INSERT INTO sync_runs (id, provider) VALUES ($1, $2)",
		},
		{
			name:  "string literal",
			query: "SELECT * FROM sync_runs WHERE provider = 'monzo'",
			want:  "SELECT * FROM sync_runs WHERE provider = '?'",
		},
		{
			name:  "escaped quote",
			query: "SELECT 'it''s' AS x",
			want:  "SELECT '?' AS x",
		},
		{
			name:  "numbers",
			query: "SELECT * FROM sync_runs LIMIT 20 OFFSET 1.5",
			want:  "SELECT * FROM sync_runs LIMIT ? OFFSET ?",
		},
		{
			name:  "multi-digit placeholder",
			query: "UPDATE t SET a = $10 WHERE b = 7",
			want:  "UPDATE t SET a = $10 WHERE b = ?",
		},
		{
			name:  "identifier digits kept",
			query: "SELECT col1 FROM t2",
			want:  "SELECT col1 FROM t2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeQuery(tt.query); got != tt.want {
				t.Errorf("sanitizeQuery() = %q, want %q", got, tt.want)
			}
		})
	}

	long := "SELECT " + strings.Repeat("x", 400)
	if got := sanitizeQuery(long); len(got) != 259 || !strings.HasSuffix(got, "...") {
		t.Errorf("sanitizeQuery() of long query has length %d", len(got))
	}
}

func TestExtractSQLVerb(t *testing.T) {
	tests := []struct{ query, want string }{
		{"  insert into sync_runs values ($1)", "INSERT"},
		{"\n\t\tSELECT id FROM sync_runs", "SELECT"},
		{"vacuum", "VACUUM"},
	}
	for _, tt := range tests {
		if got := extractSQLVerb(tt.query); got != tt.want {
			t.Errorf("extractSQLVerb(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestNullDate(t *testing.T) {
	if got := nullDate(civil.Date{}); got.Valid {
		t.Errorf("nullDate(zero) = %+v, want NULL", got)
	}
	got := nullDate(civil.Date{Year: 2024, Month: time.April, Day: 1})
	if !got.Valid || !got.Time.Equal(time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("nullDate(2024-04-01) = %+v", got)
	}
}
