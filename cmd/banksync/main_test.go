package main

import (
	"errors"
	"io"
	"strings"
	"testing"

	"banksync/internal/shared/config"
)

func TestParseRequiresConfig(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantPath string
		wantErr  bool
	}{
		{name: "long flag", args: []string{"-config", "banksync.toml"}, wantPath: "banksync.toml"},
		{name: "shorthand", args: []string{"-c", "other.toml"}, wantPath: "other.toml"},
		{name: "missing", args: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, path := newFlagSet("sync", "[-provider name]")
			fs.SetOutput(io.Discard)

			err := parse(fs, path, tt.args)
			if tt.wantErr {
				if !errors.Is(err, config.ErrInvalidConfig) {
					t.Errorf("parse() error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse() error = %v", err)
			}
			if *path != tt.wantPath {
				t.Errorf("path = %q, want %q", *path, tt.wantPath)
			}
		})
	}
}

func TestUsageListsCommands(t *testing.T) {
	if !strings.HasSuffix(usage, "\n") || strings.HasSuffix(usage, "\n\n") {
		t.Errorf("usage should end with exactly one newline")
	}
	for _, cmd := range []string{"link", "sync", "institutions", "token", "daemon", "runs"} {
		if !strings.Contains(usage, "  "+cmd+" ") {
			t.Errorf("usage does not list %q", cmd)
		}
	}
}
