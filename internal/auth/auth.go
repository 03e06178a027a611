package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Role is carried in session tokens
type Role string

const (
	RoleTrader Role = "trader"
	RoleOwner  Role = "owner"
)

const ownerSubject = "owner"

var (
	ErrInvalidAddress     = errors.New("invalid address")
	ErrNoChallenge        = errors.New("no pending challenge for address")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrBadSignature       = errors.New("signature does not match address")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrOwnerDisabled      = errors.New("owner login is not configured")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Claims are the session token claims. Subject is the trader's address, or
// "owner" for owner sessions.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type challenge struct {
	message string
	expires time.Time
}

// AuthService signs traders in by wallet signature and the owner by password
type AuthService struct {
	secret       []byte
	ownerHash    []byte
	tokenTTL     time.Duration
	challengeTTL time.Duration
	now          func() time.Time

	mu         sync.Mutex
	challenges map[common.Address]challenge
}

// NewAuthService creates an auth service. An empty ownerPasswordHash
// disables owner login.
func NewAuthService(secret []byte, ownerPasswordHash string) *AuthService {
	return &AuthService{
		secret:       secret,
		ownerHash:    []byte(ownerPasswordHash),
		tokenTTL:     24 * time.Hour,
		challengeTTL: 5 * time.Minute,
		now:          time.Now,
		challenges:   make(map[common.Address]challenge),
	}
}

// Challenge issues a single-use message the wallet must personal-sign
func (s *AuthService) Challenge(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", ErrInvalidAddress
	}
	addr := common.HexToAddress(address)
	now := s.now()
	msg := fmt.Sprintf("Sign in to the token exchange\nAddress: %s\nNonce: %s\nIssued: %s",
		addr.Hex(), uuid.NewString(), now.UTC().Format(time.RFC3339))

	s.mu.Lock()
	defer s.mu.Unlock()
	for a, c := range s.challenges {
		if now.After(c.expires) {
			delete(s.challenges, a)
		}
	}
	s.challenges[addr] = challenge{message: msg, expires: now.Add(s.challengeTTL)}
	return msg, nil
}

// Verify checks an EIP-191 signature of the pending challenge and returns a
// trader session token. The challenge is consumed whatever the outcome.
func (s *AuthService) Verify(address, signature string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", ErrInvalidAddress
	}
	addr := common.HexToAddress(address)

	s.mu.Lock()
	c, ok := s.challenges[addr]
	delete(s.challenges, addr)
	s.mu.Unlock()
	if !ok {
		return "", ErrNoChallenge
	}
	if s.now().After(c.expires) {
		return "", ErrChallengeExpired
	}

	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", ErrBadSignature
	}
	// wallets return V as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(c.message)), sig)
	if err != nil {
		return "", ErrBadSignature
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return "", ErrBadSignature
	}

	return s.issue(addr.Hex(), RoleTrader)
}

// LoginOwner verifies the owner password and returns an owner session token
func (s *AuthService) LoginOwner(password string) (string, error) {
	if len(s.ownerHash) == 0 {
		return "", ErrOwnerDisabled
	}
	if err := bcrypt.CompareHashAndPassword(s.ownerHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issue(ownerSubject, RoleOwner)
}

func (s *AuthService) issue(subject string, role Role) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a session token and returns its claims
func (s *AuthService) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	switch claims.Role {
	case RoleTrader:
		if !common.IsHexAddress(claims.Subject) {
			return nil, ErrInvalidToken
		}
	case RoleOwner:
		if claims.Subject != ownerSubject {
			return nil, ErrInvalidToken
		}
	default:
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Account returns the trader address carried by trader claims
func (c *Claims) Account() (common.Address, bool) {
	if c.Role != RoleTrader || !common.IsHexAddress(c.Subject) {
		return common.Address{}, false
	}
	return common.HexToAddress(c.Subject), true
}
