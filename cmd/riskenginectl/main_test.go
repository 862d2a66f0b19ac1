package main

import (
	"bytes"
	"strings"
	"testing"

	"riskengine/pkg/crypto"
)

func TestRun_GenKeyAndSeal(t *testing.T) {
	var out bytes.Buffer
	if err := run("gen-key", nil, strings.NewReader(""), &out); err != nil {
		t.Fatalf("gen-key: %v", err)
	}
	hexKey := strings.TrimSpace(out.String())
	key, err := crypto.ParseKey(hexKey)
	if err != nil {
		t.Fatalf("generated key does not parse: %v", err)
	}

	t.Setenv("ENCRYPTION_KEY", hexKey)
	out.Reset()
	if err := run("seal", nil, strings.NewReader("api-secret\n"), &out); err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed := strings.TrimSpace(out.String())
	if !crypto.IsSealed(sealed) {
		t.Fatalf("output %q is not ENC(...)", sealed)
	}
	plain, err := crypto.OpenSecret(sealed, key)
	if err != nil || plain != "api-secret" {
		t.Errorf("OpenSecret = %q, %v", plain, err)
	}
}

func TestRun_HashPassword(t *testing.T) {
	var out bytes.Buffer
	if err := run("hash-password", []string{"-cost", "4"}, strings.NewReader("s3cret"), &out); err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	if err := crypto.VerifyPassword("s3cret", strings.TrimSpace(out.String())); err != nil {
		t.Errorf("VerifyPassword: %v", err)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		in   string
	}{
		{"empty password", "hash-password", "\n"},
		{"unknown command", "launch", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(tt.cmd, nil, strings.NewReader(tt.in), &bytes.Buffer{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRun_TOTP(t *testing.T) {
	var out bytes.Buffer
	if err := run("totp", []string{"-account", "alice"}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("totp: %v", err)
	}
	if !strings.Contains(out.String(), "otpauth://totp/") || !strings.Contains(out.String(), "alice") {
		t.Errorf("output = %q", out.String())
	}
}
