package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"meshpay/internal/tx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestPayCreatesPendingTransaction(t *testing.T) {
	home := t.TempDir()
	out, err := execute(t, "pay", "--home", home,
		"--to", "0x00000000000000000000000000000000000000aa",
		"--amount", "1500", "--message", "lunch")
	if err != nil {
		t.Fatalf("pay: %v\n%s", err, out)
	}
	var created tx.Transaction
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("pay output not json: %v\n%s", err, out)
	}
	if created.Status != tx.StatusPending {
		t.Fatalf("status = %s, want pending", created.Status)
	}
	if err := tx.Validate(created); err != nil {
		t.Fatalf("created transaction invalid: %v", err)
	}

	listed, err := execute(t, "pending", "--home", home)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !strings.Contains(listed, created.ID) {
		t.Fatalf("pending listing missing %s:\n%s", created.ID, listed)
	}
}

func TestWalletAddressStable(t *testing.T) {
	home := t.TempDir()
	first, err := execute(t, "wallet", "--home", home)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	second, err := execute(t, "wallet", "--home", home)
	if err != nil {
		t.Fatalf("wallet again: %v", err)
	}
	if strings.TrimSpace(first) == "" || first != second {
		t.Fatalf("address not stable: %q vs %q", first, second)
	}
	if !strings.HasPrefix(strings.TrimSpace(first), "0x") {
		t.Fatalf("address missing 0x prefix: %q", first)
	}
}

func TestStatusWithoutDaemon(t *testing.T) {
	home := t.TempDir()
	out, err := execute(t, "status", "--home", home)
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	if !strings.Contains(out, "peers:") || !strings.Contains(out, "sync:") {
		t.Fatalf("unexpected status output:\n%s", out)
	}
}
