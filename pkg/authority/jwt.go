package authority

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims extends the standard registered claims with the two fields the
// authority matrix actually needs: which class of principal this is, and
// (for EMERGENCY_OVERRIDE) the justification text. Grounded on the teacher's
// identity.IdentityClaims / auth.HelmClaims shape, trimmed to this core's
// authority model rather than HELM's tenant/role system.
type Claims struct {
	jwt.RegisteredClaims
	AuthorityType Type   `json:"authority_type"`
	Justification string `json:"justification,omitempty"`
}

// TokenValidator parses and validates a bearer token into an authority
// Context. keyFunc resolves the signing key (by kid, algorithm, or a fixed
// secret) exactly as jwt.Keyfunc does upstream; callers supply whatever key
// source their deployment uses (static HMAC secret, JWKS-backed RSA set).
type TokenValidator struct {
	keyFunc jwt.Keyfunc
}

func NewTokenValidator(keyFunc jwt.Keyfunc) *TokenValidator {
	return &TokenValidator{keyFunc: keyFunc}
}

// ParseContext validates tokenString and builds the authority Context the
// rest of the core consumes. It also enforces Validate's EMERGENCY_OVERRIDE
// justification-length precondition up front, so a malformed override token
// never reaches the action matrix at all.
func (v *TokenValidator) ParseContext(tokenString string) (Context, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc)
	if err != nil {
		return Context{}, fmt.Errorf("authority: token validation failed: %w", err)
	}
	if !token.Valid {
		return Context{}, fmt.Errorf("authority: invalid token")
	}
	if claims.Subject == "" {
		return Context{}, fmt.Errorf("authority: token subject is required")
	}
	if claims.AuthorityType == "" {
		return Context{}, fmt.Errorf("authority: token authority_type is required")
	}

	c := Context{
		AuthorityID:   claims.Subject,
		AuthorityType: claims.AuthorityType,
		Justification: claims.Justification,
	}
	if err := Validate(c); err != nil {
		return Context{}, err
	}
	return c, nil
}
