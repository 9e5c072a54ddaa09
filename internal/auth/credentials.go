// Package auth issues and verifies agent credentials. A credential is a
// signed token binding an agent DID to its archetype, capabilities, and
// credential types; the broker derives everything it knows about a caller
// from a verified credential, never from the caller's claims.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "loom-engine"

// AgentClaims are the custom claims carried by an agent credential.
type AgentClaims struct {
	jwt.RegisteredClaims
	DID             string   `json:"did"`
	AgentType       string   `json:"agent_type"`
	Capabilities    []string `json:"capabilities,omitempty"`
	CredentialTypes []string `json:"credential_types,omitempty"`
}

// Credentials is a verified agent credential as consumed by the broker and
// the agent runtime.
type Credentials struct {
	DID             string   `json:"did"`
	AgentType       string   `json:"agent_type"`
	Capabilities    []string `json:"capabilities,omitempty"`
	CredentialTypes []string `json:"credential_types,omitempty"`
	Token           string   `json:"-"`
}

// HasCapability reports whether the credential carries the capability.
// The empty capability is always satisfied.
func (c *Credentials) HasCapability(capability string) bool {
	if capability == "" {
		return true
	}
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// Satisfies reports whether every required credential type is present.
func (c *Credentials) Satisfies(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range c.CredentialTypes {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Refs returns opaque references to the credential types for embedding in
// traces. The raw token never enters a trace.
func (c *Credentials) Refs() []string {
	refs := make([]string, 0, len(c.CredentialTypes))
	for _, ct := range c.CredentialTypes {
		refs = append(refs, fmt.Sprintf("cred:%s:%s", c.DID, ct))
	}
	return refs
}

// Authority signs and verifies agent credentials with an HMAC key.
type Authority struct {
	signingKey []byte
	ttl        time.Duration
}

// NewAuthority creates a credential authority. ttl bounds the lifetime of
// issued credentials.
func NewAuthority(signingKey string, ttl time.Duration) *Authority {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authority{signingKey: []byte(signingKey), ttl: ttl}
}

// Issue mints a credential for one agent.
func (a *Authority) Issue(did, agentType string, capabilities, credentialTypes []string) (*Credentials, error) {
	now := time.Now()
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		DID:             did,
		AgentType:       agentType,
		Capabilities:    capabilities,
		CredentialTypes: credentialTypes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return nil, fmt.Errorf("sign credential: %w", err)
	}

	return &Credentials{
		DID:             did,
		AgentType:       agentType,
		Capabilities:    capabilities,
		CredentialTypes: credentialTypes,
		Token:           signed,
	}, nil
}

// Verify parses and validates a credential token.
func (a *Authority) Verify(tokenString string) (*Credentials, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AgentClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.signingKey, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify credential: %w", err)
	}

	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid credential claims")
	}
	if claims.DID == "" || claims.AgentType == "" {
		return nil, fmt.Errorf("credential missing did or agent type")
	}

	return &Credentials{
		DID:             claims.DID,
		AgentType:       claims.AgentType,
		Capabilities:    claims.Capabilities,
		CredentialTypes: claims.CredentialTypes,
		Token:           tokenString,
	}, nil
}
