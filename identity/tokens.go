package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"nftlend/models"
)

// Token types carried in the "typ" claim.
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// TokenBundle is the opaque session material handed to a logged-in wallet.
type TokenBundle struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Expiry  int64  `json:"expiry"`
}

// SessionClaims is the identity attached to authenticated requests.
type SessionClaims struct {
	AccountID uuid.UUID
	PublicKey string
}

type tokenClaims struct {
	PublicKey string `json:"public_key"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates HS256 session tokens.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(secret []byte, issuer string, accessTTL, refreshTTL time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: token secret must not be empty")
	}
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 24 * time.Hour
	}
	return &TokenIssuer{
		secret:     secret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// Issue mints an access/refresh pair for the account. Expiry is the unix
// timestamp at which the access token lapses.
func (i *TokenIssuer) Issue(account *models.Account) (*TokenBundle, error) {
	now := i.now()
	accessExpiry := now.Add(i.accessTTL)

	access, err := i.sign(account, tokenTypeAccess, now, accessExpiry)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(account, tokenTypeRefresh, now, now.Add(i.refreshTTL))
	if err != nil {
		return nil, err
	}
	return &TokenBundle{Access: access, Refresh: refresh, Expiry: accessExpiry.Unix()}, nil
}

func (i *TokenIssuer) sign(account *models.Account, typ string, now, expiry time.Time) (string, error) {
	claims := tokenClaims{
		PublicKey: account.PublicKey,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID.String(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// VerifyAccess validates an access token and returns the session identity.
func (i *TokenIssuer) VerifyAccess(token string) (*SessionClaims, error) {
	return i.verify(token, tokenTypeAccess)
}

// VerifyRefresh validates a refresh token and returns the session identity,
// so the caller can re-issue a bundle.
func (i *TokenIssuer) VerifyRefresh(token string) (*SessionClaims, error) {
	return i.verify(token, tokenTypeRefresh)
}

func (i *TokenIssuer) verify(token, wantType string) (*SessionClaims, error) {
	claims := &tokenClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(func() time.Time { return i.now() }),
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("identity: token validation failed")
	}
	if claims.TokenType != wantType {
		return nil, fmt.Errorf("identity: expected %s token, got %s", wantType, claims.TokenType)
	}
	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid subject: %w", err)
	}
	return &SessionClaims{AccountID: accountID, PublicKey: claims.PublicKey}, nil
}
