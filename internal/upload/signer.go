package upload

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify one upload request to the endpoint.
type Claims struct {
	ClientName string `json:"client_name"`

	jwt.RegisteredClaims
}

// Signer issues short-lived HS256 bearer tokens for upload requests.
type Signer struct {
	secretKey []byte
	ttl       time.Duration
}

func NewSigner(secretKey string) *Signer {
	return &Signer{
		secretKey: []byte(secretKey),
		ttl:       5 * time.Minute,
	}
}

// Token signs a token for one request.
func (s *Signer) Token(clientName, requestID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		ClientName: clientName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "notecapture",
			ID:        requestID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(s.secretKey)
}

// Verify parses a token signed with the same secret.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
