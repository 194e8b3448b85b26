// Package tokens issues and verifies the HMAC-signed payloads the
// matchmaking flow exchanges: the ticket payload a client presents when it
// connects its session socket, the access token the presence relay checks
// during SASL auth, and the short-lived join credential that admits a player
// to its assigned game server.
package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("token invalid or expired")
)

// MatchmakingClaims is the signed payload returned by the ticket endpoint and
// verified when the session socket authenticates.
type MatchmakingClaims struct {
	PlayerID string `json:"playerId"`
	Region   string `json:"region"`
	BucketID string `json:"bucketId"`
	jwt.RegisteredClaims
}

// JoinClaims binds an account to its assigned server descriptor. The game
// server verifies this credential out-of-band before admitting the player.
type JoinClaims struct {
	AccountID string `json:"accountId"`
	ServerID  string `json:"serverId"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Playlist  string `json:"playlist"`
	jwt.RegisteredClaims
}

type accessClaims struct {
	AccountID string `json:"accountId"`
	jwt.RegisteredClaims
}

// Signer signs and verifies all token kinds with a single shared HMAC secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) SignMatchmakingPayload(accountID, region, bucketID string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := MatchmakingClaims{
		PlayerID: accountID,
		Region:   region,
		BucketID: bucketID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Signer) VerifyMatchmakingPayload(token string) (*MatchmakingClaims, error) {
	claims := &MatchmakingClaims{}
	if err := s.verify(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Signer) SignJoinCredential(accountID, serverID, address string, port int, playlist string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := JoinClaims{
		AccountID: accountID,
		ServerID:  serverID,
		Address:   address,
		Port:      port,
		Playlist:  playlist,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Signer) VerifyJoinCredential(token string) (*JoinClaims, error) {
	claims := &JoinClaims{}
	if err := s.verify(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Signer) SignAccessToken(accountID string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := accessClaims{
		AccountID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyAccessToken returns the account id carried by a valid access token.
func (s *Signer) VerifyAccessToken(token string) (string, error) {
	claims := &accessClaims{}
	if err := s.verify(token, claims); err != nil {
		return "", err
	}
	if claims.AccountID == "" {
		return "", ErrInvalidToken
	}
	return claims.AccountID, nil
}

func (s *Signer) verify(token string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
