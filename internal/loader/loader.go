// Package loader writes normalized entities to the warehouse in chunked
// transactional upserts. Each chunk commits or rolls back as a unit; a
// failure partway leaves earlier chunks committed and the bookmark untouched,
// and replaying the batch converges because every write is an upsert.
package loader

import (
	"context"
	"fmt"

	wdomain "github.com/merchlytics/merchlytics/internal/warehouse/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result splits a load into inserted and updated rows. Rejections happen in
// validation, before the loader sees the batch.
type Result struct {
	Inserted int
	Updated  int
}

func (r Result) Add(other Result) Result {
	return Result{
		Inserted: r.Inserted + other.Inserted,
		Updated:  r.Updated + other.Updated,
	}
}

type Loader struct {
	db   *gorm.DB
	repo wdomain.Repository
	log  *zap.Logger
}

func New(db *gorm.DB, repo wdomain.Repository, log *zap.Logger) *Loader {
	return &Loader{
		db:   db,
		repo: repo,
		log:  log.Named("loader"),
	}
}

func (l *Loader) LoadCustomers(ctx context.Context, records []*wdomain.Customer, chunkSize int) (Result, error) {
	return loadChunked(ctx, l, "customers_dim", "customer_id", records, chunkSize, l.repo.UpsertCustomers)
}

func (l *Loader) LoadProducts(ctx context.Context, records []*wdomain.Product, chunkSize int) (Result, error) {
	return loadChunked(ctx, l, "products_dim", "product_id", records, chunkSize, l.repo.UpsertProducts)
}

func (l *Loader) LoadOrders(ctx context.Context, records []*wdomain.OrderFact, chunkSize int) (Result, error) {
	return loadChunked(ctx, l, "orders_fact", "order_id", records, chunkSize, l.repo.UpsertOrders)
}

func (l *Loader) LoadTransactions(ctx context.Context, records []*wdomain.TransactionFact, chunkSize int) (Result, error) {
	return loadChunked(ctx, l, "transactions_fact", "transaction_id", records, chunkSize, l.repo.UpsertTransactions)
}

type keyed interface {
	NaturalKey() string
}

type upsertFunc[T keyed] func(ctx context.Context, tx *gorm.DB, records []T) error

func loadChunked[T keyed](ctx context.Context, l *Loader, table, keyColumn string, records []T, chunkSize int, upsert upsertFunc[T]) (Result, error) {
	if chunkSize <= 0 {
		chunkSize = len(records)
	}

	var total Result
	for start := 0; start < len(records); start += chunkSize {
		// Cancellation is honored only between chunks; an in-flight chunk
		// always commits or rolls back.
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("load %s canceled after %d rows: %w", table, total.Inserted+total.Updated, err)
		}

		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		var chunkResult Result
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			keys := make([]string, 0, len(chunk))
			for _, rec := range chunk {
				keys = append(keys, rec.NaturalKey())
			}
			existing, err := l.repo.ExistingKeys(ctx, tx, table, keyColumn, keys)
			if err != nil {
				return err
			}
			if err := upsert(ctx, tx, chunk); err != nil {
				return err
			}
			for _, key := range keys {
				if existing[key] {
					chunkResult.Updated++
				} else {
					chunkResult.Inserted++
				}
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("load %s chunk [%d:%d]: %w", table, start, end, err)
		}
		total = total.Add(chunkResult)
	}

	l.log.Debug("load complete",
		zap.String("table", table),
		zap.Int("inserted", total.Inserted),
		zap.Int("updated", total.Updated),
	)
	return total, nil
}
