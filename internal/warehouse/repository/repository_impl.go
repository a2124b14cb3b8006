package repository

import (
	"context"
	"time"

	"github.com/merchlytics/merchlytics/internal/warehouse/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

// Mutable columns replaced wholesale on conflict. created_at is insert-only
// so the first-seen timestamp survives replays.
var (
	customerUpdateColumns = []string{
		"metadata", "updated_at",
	}
	productUpdateColumns = []string{
		"sku", "name", "category", "list_price_cents", "active",
		"metadata", "updated_at",
	}
	orderUpdateColumns = []string{
		"order_date", "customer_id", "currency", "total_cents",
		"subtotal_cents", "tax_cents", "shipping_cents", "item_count",
		"shipping_address", "billing_address", "line_items", "raw_payload",
		"fraud_score", "fraud_flagged", "updated_at",
	}
	transactionUpdateColumns = []string{
		"transaction_date", "order_id", "customer_id", "payment_provider",
		"amount_cents", "currency", "status", "raw_payload", "updated_at",
	}
)

// customerConflictAssignments builds the ON CONFLICT set for customers_dim.
// Rows synthesized from orders can be sparse, so identity fields only
// replace the stored value when the incoming one is non-empty, first_seen_at
// is kept once set, and lifetime_value_cents is owned by the recompute pass.
func customerConflictAssignments() clause.Set {
	set := clause.AssignmentColumns(customerUpdateColumns)
	for _, col := range []string{"email", "name", "last_order_id"} {
		set = append(set, clause.Assignment{
			Column: clause.Column{Name: col},
			Value:  gorm.Expr("CASE WHEN excluded." + col + " = '' THEN customers_dim." + col + " ELSE excluded." + col + " END"),
		})
	}
	set = append(set, clause.Assignment{
		Column: clause.Column{Name: "first_seen_at"},
		Value:  gorm.Expr("COALESCE(customers_dim.first_seen_at, excluded.first_seen_at)"),
	})
	return set
}

func (r *repo) UpsertCustomers(ctx context.Context, tx *gorm.DB, customers []*domain.Customer) error {
	if len(customers) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}},
		DoUpdates: customerConflictAssignments(),
	}).Create(customers).Error
}

func (r *repo) UpsertProducts(ctx context.Context, tx *gorm.DB, products []*domain.Product) error {
	if len(products) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns(productUpdateColumns),
	}).Create(products).Error
}

func (r *repo) UpsertOrders(ctx context.Context, tx *gorm.DB, orders []*domain.OrderFact) error {
	if len(orders) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns(orderUpdateColumns),
	}).Create(orders).Error
}

func (r *repo) UpsertTransactions(ctx context.Context, tx *gorm.DB, transactions []*domain.TransactionFact) error {
	if len(transactions) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}},
		DoUpdates: clause.AssignmentColumns(transactionUpdateColumns),
	}).Create(transactions).Error
}

func (r *repo) ExistingKeys(ctx context.Context, tx *gorm.DB, table, keyColumn string, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}
	var found []string
	err := tx.WithContext(ctx).
		Table(table).
		Where(keyColumn+" IN ?", keys).
		Pluck(keyColumn, &found).Error
	if err != nil {
		return nil, err
	}
	for _, key := range found {
		existing[key] = true
	}
	return existing, nil
}

func (r *repo) OrderTotalsByCustomers(ctx context.Context, customerIDs []string) ([]domain.CustomerOrderTotal, error) {
	if len(customerIDs) == 0 {
		return nil, nil
	}
	var totals []domain.CustomerOrderTotal
	err := r.db.WithContext(ctx).Raw(
		`SELECT customer_id, order_id, total_cents
		 FROM orders_fact WHERE customer_id IN ?`,
		customerIDs,
	).Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (r *repo) OrderDatesByCustomers(ctx context.Context, customerIDs, excludeOrderIDs []string) (map[string][]time.Time, error) {
	dates := make(map[string][]time.Time, len(customerIDs))
	if len(customerIDs) == 0 {
		return dates, nil
	}
	var rows []struct {
		CustomerID string
		OrderDate  time.Time
	}
	query := r.db.WithContext(ctx).
		Table("orders_fact").
		Select("customer_id", "order_date").
		Where("customer_id IN ?", customerIDs)
	if len(excludeOrderIDs) > 0 {
		query = query.Where("order_id NOT IN ?", excludeOrderIDs)
	}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		dates[row.CustomerID] = append(dates[row.CustomerID], row.OrderDate)
	}
	return dates, nil
}

func (r *repo) UpdateCustomerLifetimeValues(ctx context.Context, tx *gorm.DB, totals map[string]int64) error {
	for customerID, cents := range totals {
		err := tx.WithContext(ctx).
			Model(&domain.Customer{}).
			Where("customer_id = ?", customerID).
			Update("lifetime_value_cents", cents).Error
		if err != nil {
			return err
		}
	}
	return nil
}
