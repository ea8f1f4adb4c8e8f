package identity

import (
	"context"
	"errors"
	"testing"
)

func TestStaticVerifier(t *testing.T) {
	t.Parallel()

	v := NewStaticVerifier()
	v.Register("dev-token", Identity{UserID: "u1", DisplayName: "Ada Lovelace", Email: "ada@example.com"})

	id, err := v.Verify(context.Background(), "dev-token")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.DisplayName != "Ada Lovelace" {
		t.Fatalf("identity=%+v", id)
	}

	// Credentials are trimmed on both sides.
	if _, err := v.Verify(context.Background(), "  dev-token  "); err != nil {
		t.Fatalf("trimmed verify: %v", err)
	}

	if _, err := v.Verify(context.Background(), "wrong"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err=%v want ErrInvalidCredential", err)
	}
	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("err=%v want ErrInvalidCredential", err)
	}
}

func TestStaticVerifierRejectsEmptyRegistrations(t *testing.T) {
	t.Parallel()

	v := NewStaticVerifier()
	v.Register("", Identity{UserID: "u1"})
	v.Register("tok", Identity{})

	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("empty credential accepted: %v", err)
	}
	if _, err := v.Verify(context.Background(), "tok"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("identity without user id accepted: %v", err)
	}
}
