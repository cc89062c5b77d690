package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// tokenBytes is the amount of entropy per token (128 bits).
const tokenBytes = 16

// Issuer produces unguessable single-use payment tokens.
// Issued tokens are not recorded anywhere; the ledger learns about a token
// only when it is redeemed.
type Issuer struct {
	entropy io.Reader
}

// NewIssuer returns an issuer backed by crypto/rand.
func NewIssuer() *Issuer {
	return &Issuer{entropy: rand.Reader}
}

// Issue returns a fresh base64url token without padding.
func (i *Issuer) Issue() string {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(i.source(), buf); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("tokens: read entropy: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (i *Issuer) source() io.Reader {
	if i == nil || i.entropy == nil {
		return rand.Reader
	}
	return i.entropy
}
