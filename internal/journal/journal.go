// Package journal persists transfer requests and their burns so a transfer
// interrupted after funds were burned can be resumed without burning again.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("transfer not found")
	ErrDuplicateBurn = errors.New("burn already recorded for chain")
	ErrExists        = errors.New("transfer already exists")
)

// Burn is written once per source chain right after its burn batch lands.
type Burn struct {
	SourceChainID   uint64    `json:"sourceChainId"`
	Amount          string    `json:"amount"` // smallest units
	TransactionHash string    `json:"transactionHash"`
	CreatedAt       time.Time `json:"createdAt"`
}

type Record struct {
	ID                 string    `json:"id"`
	SourceChainIDs     []uint64  `json:"sourceChainIds"`
	Amounts            []string  `json:"amounts"`
	DestinationChainID uint64    `json:"destinationChainId"`
	DestinationAddress string    `json:"destinationAddress"`
	Burns              []Burn    `json:"burns"`
	State              string    `json:"state"`
	Error              string    `json:"error,omitempty"`
	MintTxHash         string    `json:"mintTxHash,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// BurnFor returns the recorded burn for chainID, if any.
func (r Record) BurnFor(chainID uint64) (Burn, bool) {
	for _, b := range r.Burns {
		if b.SourceChainID == chainID {
			return b, true
		}
	}
	return Burn{}, false
}

// StateUpdate carries the mutable fields of a record. Empty strings leave
// Error and MintTxHash unchanged.
type StateUpdate struct {
	State      string
	Error      string
	MintTxHash string
}

type Store interface {
	Create(ctx context.Context, rec Record) error
	AppendBurn(ctx context.Context, id string, burn Burn) error
	UpdateState(ctx context.Context, id string, upd StateUpdate) error
	Get(ctx context.Context, id string) (Record, error)
	// List returns the newest records first.
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

type Config struct {
	Backend     Backend
	RedisAddr   string
	PostgresDSN string
	// Migrate applies the embedded schema on startup (postgres only).
	Migrate bool
}

// Open returns the configured backend. An unreachable Redis or Postgres is
// an error; only an explicit memory backend keeps records in process.
func Open(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		logger.Warnw("Transfer journal is in-memory; transfers cannot be resumed after a restart")
		return NewMemoryStore(), nil
	case BackendRedis:
		s, err := OpenRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("open redis journal at %s: %w", cfg.RedisAddr, err)
		}
		return s, nil
	case BackendPostgres:
		s, err := OpenPostgres(ctx, cfg.PostgresDSN, cfg.Migrate)
		if err != nil {
			return nil, fmt.Errorf("open postgres journal: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported journal backend %q", cfg.Backend)
	}
}

func applyUpdate(rec *Record, upd StateUpdate, now time.Time) {
	if upd.State != "" {
		rec.State = upd.State
	}
	if upd.Error != "" {
		rec.Error = upd.Error
	}
	if upd.MintTxHash != "" {
		rec.MintTxHash = upd.MintTxHash
	}
	rec.UpdatedAt = now
}

func appendBurn(rec *Record, burn Burn, now time.Time) error {
	if _, ok := rec.BurnFor(burn.SourceChainID); ok {
		return fmt.Errorf("%w %d in transfer %s", ErrDuplicateBurn, burn.SourceChainID, rec.ID)
	}
	if burn.CreatedAt.IsZero() {
		burn.CreatedAt = now
	}
	rec.Burns = append(rec.Burns, burn)
	rec.UpdatedAt = now
	return nil
}

func cloneRecord(r Record) Record {
	out := r
	out.SourceChainIDs = append([]uint64(nil), r.SourceChainIDs...)
	out.Amounts = append([]string(nil), r.Amounts...)
	out.Burns = append([]Burn(nil), r.Burns...)
	return out
}
