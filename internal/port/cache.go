package port

import (
	"context"

	"github.com/olyamironova/spot-exchange/internal/domain"
)

// Cache keeps the latest depth of each book for readers that should not
// touch the live book.
type Cache interface {
	SetDepth(ctx context.Context, symbol string, d *domain.Depth) error
	GetDepth(ctx context.Context, symbol string) (*domain.Depth, error)
	Invalidate(ctx context.Context, symbol string) error
}
