package transfers

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/models"
)

// Gateway is the external settlement collaborator. Initiation returns the
// collaborator's transfer reference; the final outcome arrives later through
// the settlement webhook.
type Gateway interface {
	InitiateDeposit(ctx context.Context, tx *models.FundTransaction) (externalRef string, err error)
	InitiateWithdrawal(ctx context.Context, tx *models.FundTransaction) (externalRef string, err error)
}

// StubGateway is an in-memory Gateway for tests. It hands out deterministic
// references and can be told to fail or hang.
type StubGateway struct {
	mu        sync.Mutex
	initiated []uuid.UUID
	calls     int
	failWith  error
	hang      bool
}

// NewStubGateway creates a gateway that accepts every initiation.
func NewStubGateway() *StubGateway {
	return &StubGateway{}
}

// FailWith makes subsequent initiations return err.
func (g *StubGateway) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWith = err
}

// Hang makes subsequent initiations block until the context expires.
func (g *StubGateway) Hang(hang bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hang = hang
}

// Calls returns the number of initiation attempts, including failed ones.
func (g *StubGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Initiated returns the ids of every transaction handed to the gateway.
func (g *StubGateway) Initiated() []uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]uuid.UUID, len(g.initiated))
	copy(out, g.initiated)
	return out
}

func (g *StubGateway) InitiateDeposit(ctx context.Context, tx *models.FundTransaction) (string, error) {
	return g.initiate(ctx, tx)
}

func (g *StubGateway) InitiateWithdrawal(ctx context.Context, tx *models.FundTransaction) (string, error) {
	return g.initiate(ctx, tx)
}

func (g *StubGateway) initiate(ctx context.Context, tx *models.FundTransaction) (string, error) {
	g.mu.Lock()
	g.calls++
	hang, failWith := g.hang, g.failWith
	g.mu.Unlock()
	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if failWith != nil {
		return "", failWith
	}
	g.mu.Lock()
	g.initiated = append(g.initiated, tx.ID)
	g.mu.Unlock()
	return fmt.Sprintf("ext-%s", tx.ID), nil
}
