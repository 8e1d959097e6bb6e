package main

import (
	"flag"
	"testing"
)

func TestParseInterleaved(t *testing.T) {
	fs := flag.NewFlagSet("mask", flag.ContinueOnError)
	opts := fileFlags(fs)

	positional, err := parseInterleaved(fs, []string{"capture.pcap", "--product", "voip", "--owner", "bob"})
	if err != nil {
		t.Fatalf("parseInterleaved failed: %v", err)
	}
	if len(positional) != 1 || positional[0] != "capture.pcap" {
		t.Errorf("Unexpected positional args %v", positional)
	}
	if opts.product != "voip" || opts.owner != "bob" {
		t.Errorf("Unexpected options %+v", opts)
	}

	fs = flag.NewFlagSet("mask", flag.ContinueOnError)
	fileFlags(fs)
	if _, err := parseInterleaved(fs, []string{"a", "--bogus"}); err == nil {
		t.Error("Expected unknown flag error")
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		done, total int64
		want        string
	}{
		{0, 0, "-"},
		{50, 200, "25%"},
		{10, 10, "100%"},
	}
	for _, tt := range tests {
		if got := percent(tt.done, tt.total); got != tt.want {
			t.Errorf("percent(%d, %d) = %q, want %q", tt.done, tt.total, got, tt.want)
		}
	}
}
