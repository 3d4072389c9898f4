package safeurl_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/camfleet/fleetbeat/safeurl"
)

func TestValidateSchemes(t *testing.T) {
	// WHAT: Only http/https schemes pass.
	// WHY: Camera endpoints are HTTP devices; anything else is misconfig
	// or an exfiltration attempt.
	cases := []struct {
		url  string
		want error
	}{
		{"http://93.184.216.34/snapshot.jpg", nil},
		{"https://93.184.216.34/snapshot.jpg", nil},
		{"ftp://93.184.216.34/x", safeurl.ErrUnsafeScheme},
		{"file:///etc/passwd", safeurl.ErrUnsafeScheme},
		{"rtsp://93.184.216.34/stream", safeurl.ErrUnsafeScheme},
	}
	for _, c := range cases {
		err := safeurl.Validate(c.url)
		if !errors.Is(err, c.want) {
			t.Errorf("Validate(%q): got %v, want %v", c.url, err, c.want)
		}
	}
}

func TestValidateRejectsPrivate(t *testing.T) {
	// WHAT: Private, loopback and link-local literals are rejected.
	private := []string{
		"http://127.0.0.1/jpg",
		"http://10.1.2.3/jpg",
		"http://172.16.0.9/jpg",
		"http://192.168.1.50/jpg",
		"http://169.254.0.1/jpg",
		"http://[::1]/jpg",
	}
	for _, u := range private {
		if err := safeurl.Validate(u); !errors.Is(err, safeurl.ErrSSRF) {
			t.Errorf("Validate(%q): got %v, want ErrSSRF", u, err)
		}
	}
}

func TestValidateNoHost(t *testing.T) {
	// WHAT: A URL without a host fails validation.
	if err := safeurl.Validate("http:///path-only"); err == nil {
		t.Fatal("expected error for host-less URL")
	}
}

func TestValidateSecret(t *testing.T) {
	// WHAT: Short secrets are refused; 32 bytes passes.
	if err := safeurl.ValidateSecret([]byte("short")); !errors.Is(err, safeurl.ErrSecretTooShort) {
		t.Errorf("short secret: got %v", err)
	}
	if err := safeurl.ValidateSecret([]byte(strings.Repeat("k", 32))); err != nil {
		t.Errorf("32-byte secret: got %v", err)
	}
}

func TestLimitedReadAll(t *testing.T) {
	// WHAT: Reads within the bound succeed; over-bound reads error.
	data, err := safeurl.LimitedReadAll(strings.NewReader("abc"), 10)
	if err != nil || string(data) != "abc" {
		t.Fatalf("within bound: got %q, %v", data, err)
	}
	if _, err := safeurl.LimitedReadAll(strings.NewReader("abcdef"), 3); err == nil {
		t.Fatal("expected error when body exceeds bound")
	}
}
