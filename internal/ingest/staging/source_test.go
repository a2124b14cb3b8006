package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/merchlytics/merchlytics/internal/ingest/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStaged(t *testing.T, dir, name, payload string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(payload), 0o644))
}

func TestFetchReadsMatchingFilesOnly(t *testing.T) {
	dir := t.TempDir()
	writeStaged(t, dir, "shopify_orders_20260301.json",
		`[{"id": "O1", "updated_at": "2026-03-01T10:00:00Z", "total_price": "10.00"}]`)
	writeStaged(t, dir, "shopify_customers_20260301.json",
		`[{"id": "C1", "email": "jane@example.com"}]`)
	writeStaged(t, dir, "woocommerce_orders_20260301.json",
		`[{"id": "W1"}]`)
	writeStaged(t, dir, "shopify_notes.txt", "not json")

	pull, err := New("shopify", dir, time.UTC).Fetch(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, pull.Batches, 2)
	assert.Equal(t, domain.KindCustomers, pull.Batches[0].Kind)
	assert.Equal(t, domain.KindOrders, pull.Batches[1].Kind)
	assert.Equal(t, "O1", pull.Batches[1].Records[0].String("id"))
}

func TestFetchDimensionsBeforeFacts(t *testing.T) {
	dir := t.TempDir()
	writeStaged(t, dir, "stripe_charges_1.json", `[{"id": "ch_1"}]`)
	writeStaged(t, dir, "stripe_customers_1.json", `[{"id": "C1"}]`)

	pull, err := New("stripe", dir, time.UTC).Fetch(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, pull.Batches, 2)
	assert.Equal(t, domain.KindCustomers, pull.Batches[0].Kind)
	assert.Equal(t, domain.KindTransactions, pull.Batches[1].Kind)
}

func TestFetchSkipsRecordsAtOrBeforeCursor(t *testing.T) {
	dir := t.TempDir()
	writeStaged(t, dir, "shopify_orders_1.json", `[
		{"id": "O1", "updated_at": "2026-03-01T10:00:00Z"},
		{"id": "O2", "updated_at": "2026-03-01T11:00:00Z"},
		{"id": "O3", "updated_at": "2026-03-01T12:00:00Z"}
	]`)

	pull, err := New("shopify", dir, time.UTC).Fetch(context.Background(), "2026-03-01T11:00:00Z")
	require.NoError(t, err)

	require.Len(t, pull.Batches, 1)
	records := pull.Batches[0].Records
	require.Len(t, records, 1)
	assert.Equal(t, "O3", records[0].String("id"))
	assert.Equal(t, "2026-03-01T12:00:00Z", pull.Watermark)
}

func TestFetchWatermarkIsMaxObserved(t *testing.T) {
	dir := t.TempDir()
	writeStaged(t, dir, "shopify_orders_1.json", `[
		{"id": "O1", "updated_at": "2026-03-01T09:00:00Z"},
		{"id": "O2", "updated_at": "2026-03-01T14:00:00Z"},
		{"id": "O3", "updated_at": "2026-03-01T11:00:00Z"}
	]`)

	pull, err := New("shopify", dir, time.UTC).Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T14:00:00Z", pull.Watermark)
}

func TestFetchNaiveObservedAtUsesLocation(t *testing.T) {
	dir := t.TempDir()
	writeStaged(t, dir, "woocommerce_orders_1.json", `[
		{"id": "W1", "date_modified": "2026-03-01 07:00:00"},
		{"id": "W2", "date_modified": "2026-03-01 06:00:00"}
	]`)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 07:00 Eastern in winter is 12:00 UTC; a noon UTC cursor skips both.
	pull, err := New("woocommerce", dir, loc).Fetch(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, pull.Batches, 1)
	assert.Equal(t, "2026-03-01T12:00:00Z", pull.Watermark)

	pull, err = New("woocommerce", dir, loc).Fetch(context.Background(), "2026-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.Empty(t, pull.Batches)
}

func TestFetchEnvelopePayload(t *testing.T) {
	dir := t.TempDir()
	writeStaged(t, dir, "stripe_charges_1.json",
		`{"data": [{"id": "ch_1", "amount": 500}], "has_more": false}`)

	pull, err := New("stripe", dir, time.UTC).Fetch(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, pull.Batches, 1)
	assert.Equal(t, "ch_1", pull.Batches[0].Records[0].String("id"))
}

func TestFetchMissingDirIsEmptyPull(t *testing.T) {
	pull, err := New("shopify", filepath.Join(t.TempDir(), "nope"), time.UTC).Fetch(context.Background(), "cur")
	require.NoError(t, err)
	assert.Empty(t, pull.Batches)
	assert.Equal(t, "cur", pull.Watermark)
}

func TestFetchKeepsCursorWhenNothingNew(t *testing.T) {
	dir := t.TempDir()
	writeStaged(t, dir, "shopify_orders_1.json",
		`[{"id": "O1", "updated_at": "2026-03-01T10:00:00Z"}]`)

	pull, err := New("shopify", dir, time.UTC).Fetch(context.Background(), "2026-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.Empty(t, pull.Batches)
	assert.Equal(t, "2026-03-01T12:00:00Z", pull.Watermark)
}

func TestFetchInvalidJSONFails(t *testing.T) {
	dir := t.TempDir()
	writeStaged(t, dir, "shopify_orders_1.json", "{broken")

	_, err := New("shopify", dir, time.UTC).Fetch(context.Background(), "")
	assert.Error(t, err)
}
