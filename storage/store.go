// Package storage persists bot instance, certificate authority, and NAT
// gateway records. The SQL implementation backs onto gorm with sqlite or
// postgres selected by DSN scheme; tests use the mock in mock.go.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional update matched no rows,
	// e.g. a status transition raced with another writer or a gateway is at
	// capacity.
	ErrConflict = errors.New("conditional update conflict")
)

// Store is the persistence boundary for the provisioning backend.
type Store interface {
	// Bot instances.
	GetBot(ctx context.Context, id string) (*BotInstance, error)
	CreateBot(ctx context.Context, bot *BotInstance) error
	SaveBot(ctx context.Context, bot *BotInstance) error

	// TransitionBotStatus atomically moves a bot from one status to another.
	// It returns ErrConflict if the bot is not currently in the from status,
	// which makes the starting->provisioning claim safe against duplicate
	// triggers: the second one finds the row already claimed.
	TransitionBotStatus(ctx context.Context, id string, from, to BotStatus) error

	// MarkBotFailed sets the terminal failed status and records the error.
	MarkBotFailed(ctx context.Context, id, errMsg string) error

	// ClearBotServer clears server/gateway references and sets status to
	// stopped. Used by deprovisioning; the row itself is kept.
	ClearBotServer(ctx context.Context, id string) error

	// Certificate authority.
	ActiveCA(ctx context.Context) (*CACertificate, error)

	// ReplaceActiveCA atomically deactivates the current CA and inserts the
	// new active row. There is never a moment with zero active rows on disk.
	ReplaceActiveCA(ctx context.Context, ca *CACertificate) error

	// NAT gateways.
	GetGateway(ctx context.Context, id string) (*NatGateway, error)
	// ActiveGateways returns active gateways ordered by ascending bot count.
	ActiveGateways(ctx context.Context) ([]NatGateway, error)
	CountGateways(ctx context.Context) (int64, error)
	CreateGateway(ctx context.Context, gw *NatGateway) error
	SaveGateway(ctx context.Context, gw *NatGateway) error

	// IncrementGatewayBotCount adds one to the gateway's bot count iff the
	// gateway still has spare capacity. Returns ErrConflict when full.
	IncrementGatewayBotCount(ctx context.Context, id string) error

	// DecrementGatewayBotCount subtracts one, never below zero.
	DecrementGatewayBotCount(ctx context.Context, id string) error
}
