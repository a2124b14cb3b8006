package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository issues warehouse reads and upserts. Write methods take the
// enclosing transaction handle so a chunk either fully commits or fully
// rolls back.
type Repository interface {
	UpsertCustomers(ctx context.Context, tx *gorm.DB, customers []*Customer) error
	UpsertProducts(ctx context.Context, tx *gorm.DB, products []*Product) error
	UpsertOrders(ctx context.Context, tx *gorm.DB, orders []*OrderFact) error
	UpsertTransactions(ctx context.Context, tx *gorm.DB, transactions []*TransactionFact) error

	// ExistingKeys reports which of the given natural keys are already
	// present in the table, so a load can split inserted vs updated counts.
	ExistingKeys(ctx context.Context, tx *gorm.DB, table, keyColumn string, keys []string) (map[string]bool, error)

	// OrderTotalsByCustomers returns the stored per-order totals for the
	// given customers. The CLV recompute merges these with the in-flight
	// batch.
	OrderTotalsByCustomers(ctx context.Context, customerIDs []string) ([]CustomerOrderTotal, error)

	// OrderDatesByCustomers returns stored order dates per customer for the
	// velocity window of the fraud scorer. Orders named in excludeOrderIDs
	// are left out, so an in-flight batch never sees its own stored copies
	// and replaying a batch scores it the same way twice.
	OrderDatesByCustomers(ctx context.Context, customerIDs, excludeOrderIDs []string) (map[string][]time.Time, error)

	// UpdateCustomerLifetimeValues writes the recomputed lifetime value per
	// customer. Customers without a dimension row are skipped; their value is
	// picked up once the dimension arrives.
	UpdateCustomerLifetimeValues(ctx context.Context, tx *gorm.DB, totals map[string]int64) error
}
