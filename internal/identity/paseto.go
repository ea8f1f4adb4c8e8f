package identity

import (
	"context"
	"errors"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoVerifier verifies PASETO v4.public session credentials minted by the
// external identity provider. The provider signs with its Ed25519 secret key;
// Parley only needs the published public key.
type PasetoVerifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewPasetoVerifier builds a Verifier from the provider's hex-encoded public key.
func NewPasetoVerifier(publicKeyHex, issuer string, clockSkew time.Duration) (*PasetoVerifier, error) {
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(publicKeyHex)
	if err != nil {
		return nil, errors.New("identity: invalid public key")
	}
	if issuer == "" {
		return nil, errors.New("identity: empty issuer")
	}
	if clockSkew < 0 {
		clockSkew = 0
	}

	return &PasetoVerifier{
		issuer:    issuer,
		clockSkew: clockSkew,
		public:    public,
	}, nil
}

// Verify parses and validates a v4.public credential.
//
// Clock-skew tolerance: validate slightly in the future to avoid failing
// "nbf" when clocks differ. This also makes expiration checks slightly
// stricter, which is typically desirable.
func (v *PasetoVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	validNow := time.Now().UTC().Add(v.clockSkew)

	// Build a fresh parser per call to avoid accumulating rules across verifies.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, credential, nil)
	if err != nil {
		return Identity{}, ErrInvalidCredential
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Identity{}, ErrInvalidCredential
	}

	// Display name and email are provider-resolved claims; absent values
	// degrade to empty strings rather than failing verification.
	name, _ := parsed.GetString("name")
	email, _ := parsed.GetString("email")

	return Identity{
		UserID:      uid,
		Email:       email,
		DisplayName: name,
	}, nil
}
