// Package enclave manages isolated execution scopes for agents whose
// archetype requires isolation. The engine treats enclaves as optional:
// when no repository is configured the disabled service hands out nothing
// and the orchestrator proceeds without isolation.
package enclave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("enclave not found")
	ErrSealed   = errors.New("enclave already sealed")
	ErrDisabled = errors.New("enclave service disabled")
)

const defaultTTL = 30 * time.Minute

// Enclave is one isolated scope leased to an agent.
type Enclave struct {
	ID         string    `json:"id"`
	AgentDID   string    `json:"agent_did"`
	Scope      string    `json:"scope"`
	Repository string    `json:"repository,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Sealed     bool      `json:"sealed"`
}

// Request asks for an enclave.
type Request struct {
	AgentDID string
	Scope    string
	TTL      time.Duration
}

// Service creates, seals, and expires enclaves.
type Service interface {
	Create(ctx context.Context, req Request) (*Enclave, error)
	Seal(ctx context.Context, id string) error
	CleanupExpired(ctx context.Context) int
}

// MemoryService is the in-process implementation backing single-node
// deployments.
type MemoryService struct {
	logger     *zap.Logger
	repository string

	mu       sync.Mutex
	enclaves map[string]*Enclave
}

// NewMemoryService builds a service scoped to one repository.
func NewMemoryService(repository string, logger *zap.Logger) *MemoryService {
	return &MemoryService{
		logger:     logger,
		repository: repository,
		enclaves:   make(map[string]*Enclave),
	}
}

// Create leases a new enclave.
func (s *MemoryService) Create(_ context.Context, req Request) (*Enclave, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := time.Now()
	enc := &Enclave{
		ID:         uuid.New().String(),
		AgentDID:   req.AgentDID,
		Scope:      req.Scope,
		Repository: s.repository,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	s.mu.Lock()
	s.enclaves[enc.ID] = enc
	s.mu.Unlock()

	s.logger.Debug("Enclave created",
		zap.String("enclave_id", enc.ID),
		zap.String("agent_did", req.AgentDID),
		zap.String("scope", req.Scope),
	)
	return enc, nil
}

// Seal closes an enclave to further use.
func (s *MemoryService) Seal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, ok := s.enclaves[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if enc.Sealed {
		return fmt.Errorf("%w: %s", ErrSealed, id)
	}
	enc.Sealed = true
	return nil
}

// CleanupExpired removes sealed and expired enclaves, returning the count.
func (s *MemoryService) CleanupExpired(_ context.Context) int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, enc := range s.enclaves {
		if enc.Sealed || now.After(enc.ExpiresAt) {
			delete(s.enclaves, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Expired enclaves removed", zap.Int("count", removed))
	}
	return removed
}

// Active returns the number of live enclaves.
func (s *MemoryService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enclaves)
}

// Disabled is the no-op service used when no repository is configured.
type Disabled struct{}

func (Disabled) Create(context.Context, Request) (*Enclave, error) { return nil, ErrDisabled }
func (Disabled) Seal(context.Context, string) error                { return ErrDisabled }
func (Disabled) CleanupExpired(context.Context) int                { return 0 }
