package chat

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want readErrKind
	}{
		{"context canceled", context.Canceled, readErrCtxDone},
		{"deadline exceeded", context.DeadlineExceeded, readErrCtxDone},
		{"net closed", net.ErrClosed, readErrConnClosed},
		{"eof", io.EOF, readErrConnClosed},
		{"wrapped eof", errors.Join(errors.New("read"), io.EOF), readErrConnClosed},
		{"bad json", errors.New("invalid character 'x' looking for beginning of value"), readErrBadJSON},
		{"truncated json", errors.New("unexpected end of JSON input"), readErrBadJSON},
		{"unknown", errors.New("boom"), readErrUnknown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyReadErr(tc.err); got != tc.want {
				t.Fatalf("classifyReadErr(%v)=%d want=%d", tc.err, got, tc.want)
			}
		})
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"http://localhost", "localhost"},
		{"http://localhost:3000", "localhost"},
		{"https://Chat.Example.COM:443", "chat.example.com"},
		{"localhost:8080", "localhost"},
		{"example.com", "example.com"},
		{"  ", ""},
	}
	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:3000",
		"https://chat.example.com",
		"http://localhost", // dedupes to the same host
		"*",                // wildcard never becomes a pattern
	})
	want := []string{"chat.example.com", "localhost"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := &WSGateway{
		originRequired: true,
		allowedOrigins: []string{"http://localhost", "https://chat.example.com"},
	}

	cases := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"missing origin", "", false},
		{"exact match", "http://localhost", true},
		{"host match different port", "http://localhost:3000", true},
		{"allowed https origin", "https://chat.example.com", true},
		{"denied origin", "https://evil.example.com", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			err := g.enforceOrigin(r)
			if tc.ok && err != nil {
				t.Fatalf("origin %q rejected: %v", tc.origin, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("origin %q accepted", tc.origin)
			}
		})
	}

	t.Run("optional origin", func(t *testing.T) {
		t.Parallel()
		g := &WSGateway{originRequired: false, allowedOrigins: []string{"http://localhost"}}
		r := httptest.NewRequest("GET", "/ws", nil)
		if err := g.enforceOrigin(r); err != nil {
			t.Fatalf("missing origin rejected with originRequired=false: %v", err)
		}
	})
}

func TestSendErrorCode(t *testing.T) {
	t.Parallel()

	if got := sendErrorCode(ErrMalformedPayload); got != "malformed_payload" {
		t.Fatalf("code=%q", got)
	}
	if got := sendErrorCode(ErrNotJoined); got != "not_joined" {
		t.Fatalf("code=%q", got)
	}
	if got := sendErrorCode(errors.New("boom")); got != "send_failed" {
		t.Fatalf("code=%q", got)
	}
}
