package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

const testIssuer = "parley-identity"

func mintToken(t *testing.T, secret paseto.V4AsymmetricSecretKey, mutate func(*paseto.Token)) string {
	t.Helper()

	now := time.Now().UTC()
	tok := paseto.NewToken()
	tok.SetIssuer(testIssuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(time.Hour))
	tok.SetString("uid", "u1")
	tok.SetString("name", "Ada Lovelace")
	tok.SetString("email", "ada@example.com")

	if mutate != nil {
		mutate(&tok)
	}
	return tok.V4Sign(secret, nil)
}

func TestPasetoVerifierRoundTrip(t *testing.T) {
	t.Parallel()

	secret := paseto.NewV4AsymmetricSecretKey()
	v, err := NewPasetoVerifier(secret.Public().ExportHex(), testIssuer, 30*time.Second)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	id, err := v.Verify(context.Background(), mintToken(t, secret, nil))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.DisplayName != "Ada Lovelace" || id.Email != "ada@example.com" {
		t.Fatalf("identity=%+v", id)
	}
}

func TestPasetoVerifierRejections(t *testing.T) {
	t.Parallel()

	secret := paseto.NewV4AsymmetricSecretKey()
	v, err := NewPasetoVerifier(secret.Public().ExportHex(), testIssuer, 0)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ctx := context.Background()

	t.Run("garbage credential", func(t *testing.T) {
		t.Parallel()
		if _, err := v.Verify(ctx, "not-a-token"); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("err=%v want ErrInvalidCredential", err)
		}
	})

	t.Run("wrong signing key", func(t *testing.T) {
		t.Parallel()
		other := paseto.NewV4AsymmetricSecretKey()
		if _, err := v.Verify(ctx, mintToken(t, other, nil)); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("err=%v want ErrInvalidCredential", err)
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		t.Parallel()
		cred := mintToken(t, secret, func(tok *paseto.Token) {
			tok.SetIssuer("someone-else")
		})
		if _, err := v.Verify(ctx, cred); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("err=%v want ErrInvalidCredential", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		cred := mintToken(t, secret, func(tok *paseto.Token) {
			tok.SetExpiration(time.Now().UTC().Add(-time.Minute))
		})
		if _, err := v.Verify(ctx, cred); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("err=%v want ErrInvalidCredential", err)
		}
	})

	t.Run("missing uid claim", func(t *testing.T) {
		t.Parallel()
		now := time.Now().UTC()
		tok := paseto.NewToken()
		tok.SetIssuer(testIssuer)
		tok.SetIssuedAt(now)
		tok.SetNotBefore(now)
		tok.SetExpiration(now.Add(time.Hour))
		if _, err := v.Verify(ctx, tok.V4Sign(secret, nil)); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("err=%v want ErrInvalidCredential", err)
		}
	})
}

func TestPasetoVerifierOptionalClaims(t *testing.T) {
	t.Parallel()

	secret := paseto.NewV4AsymmetricSecretKey()
	v, err := NewPasetoVerifier(secret.Public().ExportHex(), testIssuer, 0)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	now := time.Now().UTC()
	tok := paseto.NewToken()
	tok.SetIssuer(testIssuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(time.Hour))
	tok.SetString("uid", "u2")

	id, err := v.Verify(context.Background(), tok.V4Sign(secret, nil))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u2" || id.DisplayName != "" || id.Email != "" {
		t.Fatalf("identity=%+v", id)
	}
}

func TestNewPasetoVerifierValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewPasetoVerifier("zz-not-hex", testIssuer, 0); err == nil {
		t.Fatal("invalid public key accepted")
	}

	secret := paseto.NewV4AsymmetricSecretKey()
	if _, err := NewPasetoVerifier(secret.Public().ExportHex(), "", 0); err == nil {
		t.Fatal("empty issuer accepted")
	}
}
