package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/merchlytics/merchlytics/internal/warehouse/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Customer{},
		&domain.Product{},
		&domain.OrderFact{},
		&domain.TransactionFact{},
	))
	return db
}

func TestUpsertCustomerKeepsFirstSeen(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := Provide(db)

	firstSeen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.UpsertCustomers(ctx, tx, []*domain.Customer{
			{CustomerID: "C1", Email: "jane@example.com", FirstSeenAt: &firstSeen},
		})
	}))

	var created domain.Customer
	require.NoError(t, db.First(&created, "customer_id = ?", "C1").Error)

	laterSeen := firstSeen.AddDate(0, 2, 0)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.UpsertCustomers(ctx, tx, []*domain.Customer{
			{CustomerID: "C1", Email: "jane@new.example.com", FirstSeenAt: &laterSeen},
		})
	}))

	var updated domain.Customer
	require.NoError(t, db.First(&updated, "customer_id = ?", "C1").Error)
	assert.Equal(t, "jane@new.example.com", updated.Email)
	// created_at is insert-only.
	assert.True(t, updated.CreatedAt.Equal(created.CreatedAt))

	var count int64
	require.NoError(t, db.Model(&domain.Customer{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUpsertCustomerSparseRowKeepsStoredFields(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := Provide(db)

	firstSeen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.UpsertCustomers(ctx, tx, []*domain.Customer{
			{CustomerID: "C1", Email: "jane@example.com", Name: "Jane Doe",
				FirstSeenAt: &firstSeen, LastOrderID: "O1"},
		})
	}))
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.UpdateCustomerLifetimeValues(ctx, tx, map[string]int64{"C1": 4999})
	}))

	// A row synthesized from an order carries the new last-order reference
	// but no identity fields.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.UpsertCustomers(ctx, tx, []*domain.Customer{
			{CustomerID: "C1", LastOrderID: "O2"},
		})
	}))

	var customer domain.Customer
	require.NoError(t, db.First(&customer, "customer_id = ?", "C1").Error)
	assert.Equal(t, "jane@example.com", customer.Email)
	assert.Equal(t, "Jane Doe", customer.Name)
	assert.Equal(t, "O2", customer.LastOrderID)
	require.NotNil(t, customer.FirstSeenAt)
	assert.True(t, customer.FirstSeenAt.Equal(firstSeen))
	assert.Equal(t, int64(4999), customer.LifetimeValueCents)

	// An empty last-order reference never blanks a stored one.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.UpsertCustomers(ctx, tx, []*domain.Customer{
			{CustomerID: "C1", Email: "jane@new.example.com"},
		})
	}))
	require.NoError(t, db.First(&customer, "customer_id = ?", "C1").Error)
	assert.Equal(t, "jane@new.example.com", customer.Email)
	assert.Equal(t, "O2", customer.LastOrderID)
}

func TestExistingKeys(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := Provide(db)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.UpsertProducts(ctx, tx, []*domain.Product{
			{ProductID: "P1", Name: "Widget"},
			{ProductID: "P2", Name: "Gadget"},
		})
	}))

	var existing map[string]bool
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		existing, err = r.ExistingKeys(ctx, tx, "products_dim", "product_id", []string{"P1", "P2", "P3"})
		return err
	}))
	assert.True(t, existing["P1"])
	assert.True(t, existing["P2"])
	assert.False(t, existing["P3"])
}

func seedOrders(t *testing.T, db *gorm.DB, r domain.Repository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.UpsertOrders(ctx, tx, []*domain.OrderFact{
			{OrderID: "O1", CustomerID: "C1", Currency: "USD", TotalCents: 1000,
				OrderDate: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
			{OrderID: "O2", CustomerID: "C1", Currency: "USD", TotalCents: 2550,
				OrderDate: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
			{OrderID: "O3", CustomerID: "C2", Currency: "USD", TotalCents: 500,
				OrderDate: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		})
	}))
}

func TestOrderTotalsByCustomers(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := Provide(db)
	seedOrders(t, db, r)

	totals, err := r.OrderTotalsByCustomers(ctx, []string{"C1"})
	require.NoError(t, err)
	require.Len(t, totals, 2)

	var sum int64
	for _, row := range totals {
		assert.Equal(t, "C1", row.CustomerID)
		sum += row.TotalCents
	}
	assert.Equal(t, int64(3550), sum)
}

func TestOrderDatesByCustomers(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := Provide(db)
	seedOrders(t, db, r)

	dates, err := r.OrderDatesByCustomers(ctx, []string{"C1", "C2"}, nil)
	require.NoError(t, err)
	assert.Len(t, dates["C1"], 2)
	assert.Len(t, dates["C2"], 1)
}

func TestOrderDatesByCustomersExcludesGivenOrders(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := Provide(db)
	seedOrders(t, db, r)

	dates, err := r.OrderDatesByCustomers(ctx, []string{"C1", "C2"}, []string{"O1", "O3"})
	require.NoError(t, err)
	assert.Len(t, dates["C1"], 1)
	assert.Empty(t, dates["C2"])
}

func TestUpdateCustomerLifetimeValues(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	r := Provide(db)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.UpsertCustomers(ctx, tx, []*domain.Customer{
			{CustomerID: "C1"},
		})
	}))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.UpdateCustomerLifetimeValues(ctx, tx, map[string]int64{
			"C1": 4999,
			// No dimension row yet; skipped without error.
			"C9": 100,
		})
	}))

	var customer domain.Customer
	require.NoError(t, db.First(&customer, "customer_id = ?", "C1").Error)
	assert.Equal(t, int64(4999), customer.LifetimeValueCents)
}
