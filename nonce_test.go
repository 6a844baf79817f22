package ws

import (
	"encoding/base64"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestAcceptKey(t *testing.T) {
	// Example from RFC6455 section 1.3.
	const (
		key    = "dGhlIHNhbXBsZSBub25jZQ=="
		accept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	)
	if act := AcceptKey(key); act != accept {
		t.Errorf("AcceptKey(%q) = %q; want %q", key, act, accept)
	}
	if act := acceptKeyHex(key); act != "b37a4f2cc0624f1690f64606cf385945b2bec4ea" {
		t.Errorf("acceptKeyHex(%q) = %q", key, act)
	}
}

func TestCheckAccept(t *testing.T) {
	const key = "dGhlIHNhbXBsZSBub25jZQ=="
	for _, test := range []struct {
		name   string
		accept string
		exp    bool
	}{
		{"base64", "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", true},
		{"hex", "b37a4f2cc0624f1690f64606cf385945b2bec4ea", true},
		{"base64 mismatch", "s3pPLMBiTxaQ9kYGzzhZRbK+xOp=", false},
		{"hex mismatch", "b37a4f2cc0624f1690f64606cf385945b2bec4eb", false},
		{"empty", "", false},
		{"garbage", "hello", false},
	} {
		t.Run(test.name, func(t *testing.T) {
			if act := CheckAccept(test.accept, key); act != test.exp {
				t.Errorf("CheckAccept(%q) = %v; want %v", test.accept, act, test.exp)
			}
		})
	}
}

func TestNewNonce(t *testing.T) {
	before := time.Now().UnixMilli()
	nonce := NewNonce()
	after := time.Now().UnixMilli()

	raw, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		t.Fatalf("nonce %q is not base64: %v", nonce, err)
	}
	s := string(raw)
	if !strings.HasSuffix(s, hostname()) {
		t.Fatalf("decoded nonce %q has no host name suffix %q", s, hostname())
	}
	ms, err := strconv.ParseInt(strings.TrimSuffix(s, hostname()), 10, 64)
	if err != nil {
		t.Fatalf("decoded nonce %q has no timestamp prefix: %v", s, err)
	}
	if ms < before || ms > after {
		t.Errorf("nonce timestamp %d is out of [%d, %d]", ms, before, after)
	}
}

func BenchmarkAcceptKey(b *testing.B) {
	nonce := NewNonce()
	for i := 0; i < b.N; i++ {
		_ = AcceptKey(nonce)
	}
}
