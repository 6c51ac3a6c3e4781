package auth

import (
	"crypto/rsa"
	"errors"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/golang-jwt/jwt/v5"
)

type TokenVerifier interface {
	Verify(tokenString string) (*Principal, error)
}

// JWTVerifier accepts RS256 tokens signed by the identity provider. The
// service only ever holds the public key.
type JWTVerifier struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

func NewJWTVerifier(key *rsa.PublicKey, issuer string) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTVerifier{key: key, parser: jwt.NewParser(opts...)}
}

func (v *JWTVerifier) Verify(tokenString string) (*Principal, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, internal.ErrTokenExpired
		}
		return nil, internal.ErrInvalidToken
	}

	if claims.Subject == "" || claims.Role == RoleService {
		return nil, internal.ErrInvalidToken
	}

	role := claims.Role
	if role == "" {
		role = RoleCustomer
	}
	return &Principal{ID: claims.Subject, Email: claims.Email, Role: role}, nil
}
