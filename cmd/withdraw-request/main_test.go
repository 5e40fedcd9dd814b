package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunMainValidatesFlags(t *testing.T) {
	t.Parallel()

	base := []string{
		"--account", "acct-1",
		"--member", "member-1",
		"--currency", "BTC",
		"--rid", "0xabc",
		"--amount", "1.5",
	}

	cases := []struct {
		name string
		drop string
	}{
		{name: "missing account", drop: "--account"},
		{name: "missing member", drop: "--member"},
		{name: "missing currency", drop: "--currency"},
		{name: "missing rid", drop: "--rid"},
		{name: "missing amount", drop: "--amount"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var args []string
			for i := 0; i < len(base); i += 2 {
				if base[i] == tc.drop {
					continue
				}
				args = append(args, base[i], base[i+1])
			}
			if err := runMain(args, &bytes.Buffer{}); err == nil {
				t.Fatalf("expected error with %s dropped", tc.drop)
			}
		})
	}

	if err := runMain(append(append([]string{}, base...), "--amount", "-3"), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if err := runMain(append(append([]string{}, base...), "--fee", "-1"), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for negative fee")
	}
	if err := runMain(append(append([]string{}, base...), "--queue-driver", "kafka"), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for kafka driver without brokers")
	}
}

func TestRunMainPublishesSubmitCommand(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain([]string{
		"--account", "acct-1",
		"--member", "member-1",
		"--currency", "BTC",
		"--rid", "0xabc",
		"--amount", "1.5",
		"--fee", "0.001",
	}, &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatalf("no command published")
	}

	var cmd submitCommand
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		t.Fatalf("unmarshal command: %v (line %q)", err, line)
	}
	if cmd.Version != "withdrawals.command.v1" || cmd.Op != "submit" {
		t.Fatalf("envelope = %+v", cmd)
	}
	if cmd.Currency != "btc" {
		t.Fatalf("currency not normalized: %q", cmd.Currency)
	}
	if cmd.Amount != "1.5" || cmd.Fee != "0.001" {
		t.Fatalf("amounts = %q/%q", cmd.Amount, cmd.Fee)
	}
}
