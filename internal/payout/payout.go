// Package payout records transfers of settled funds from the platform to
// provider bank accounts.
//
// A Transfer is immutable once created and keyed by the processor's
// transfer reference. The unique processor key is what makes
// reconciliation naturally at-most-once: re-running a reconciliation over
// the same processor records can never double-book a transfer.
package payout

import (
	"context"
	"errors"
	"time"

	"github.com/paybroker/paybroker/internal/money"
	"github.com/paybroker/paybroker/internal/pagination"
)

var (
	// ErrDuplicateTransfer means a transfer with the same processor key is
	// already recorded.
	ErrDuplicateTransfer = errors.New("transfer already recorded")

	// ErrTransferNotFound means no local transfer matches the reference.
	ErrTransferNotFound = errors.New("transfer not found")
)

// Transfer represents funds moved platform→provider.
type Transfer struct {
	ID           string      `json:"id"`
	ProcessorKey string      `json:"processorKey"`
	Provider     string      `json:"provider"`
	Amount       money.Money `json:"amount"`
	Description  string      `json:"description,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Store persists transfers. ProcessorKey is globally unique: Create on an
// existing key fails with ErrDuplicateTransfer, never overwrites.
type Store interface {
	Create(ctx context.Context, t *Transfer) error
	Get(ctx context.Context, id string) (*Transfer, error)
	GetByProcessorKey(ctx context.Context, processorKey string) (*Transfer, error)
	Exists(ctx context.Context, processorKey string) (bool, error)

	// ListByProvider returns up to limit transfers for a provider, newest
	// first with ID as tiebreaker. A non-nil cursor resumes after that
	// position; callers fetch limit+1 to detect a further page.
	ListByProvider(ctx context.Context, provider string, limit int, cursor *pagination.Cursor) ([]*Transfer, error)
}
