package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseToolArgs(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{"empty", "", nil, map[string]any{}, false},
		{"pairs", "", []string{"symbol=IBM", "interval=5min"}, map[string]any{"symbol": "IBM", "interval": "5min"}, false},
		{"value with equals", "", []string{"q=a=b"}, map[string]any{"q": "a=b"}, false},
		{"json then pairs", `{"symbol":"MSFT","limit":5}`, []string{"symbol=IBM"}, map[string]any{"symbol": "IBM", "limit": float64(5)}, false},
		{"bad pair", "", []string{"symbol"}, nil, true},
		{"bad json", `{"symbol":`, nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseToolArgs(tt.json, tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseToolArgs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRootCommandRejectsLogfileWithPretty(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG_PATH", t.TempDir()+"/none.yaml")
	root := newRootCommand()
	root.SetArgs([]string{"keys", "--logfile", "x.log", "--pretty"})
	if err := root.Execute(); err == nil {
		t.Error("Expected error for --logfile with --pretty")
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("Daily prices\nMore detail"); got != "Daily prices" {
		t.Errorf("Expected first line, got %q", got)
	}
}
