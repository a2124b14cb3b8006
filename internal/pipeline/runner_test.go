package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	bdomain "github.com/merchlytics/merchlytics/internal/bookmark/domain"
	"github.com/merchlytics/merchlytics/internal/bookmark/store"
	"github.com/merchlytics/merchlytics/internal/clock"
	"github.com/merchlytics/merchlytics/internal/config"
	"github.com/merchlytics/merchlytics/internal/fxrate"
	idomain "github.com/merchlytics/merchlytics/internal/ingest/domain"
	"github.com/merchlytics/merchlytics/internal/loader"
	"github.com/merchlytics/merchlytics/internal/observability/metrics"
	pdomain "github.com/merchlytics/merchlytics/internal/pipeline/domain"
	wdomain "github.com/merchlytics/merchlytics/internal/warehouse/domain"
	"github.com/merchlytics/merchlytics/internal/warehouse/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeSource struct {
	name      string
	pull      idomain.Pull
	err       error
	gotCursor string
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, cursor string) (idomain.Pull, error) {
	f.gotCursor = cursor
	if f.err != nil {
		return idomain.Pull{}, f.err
	}
	return f.pull, nil
}

type testHarness struct {
	runner    *Runner
	db        *gorm.DB
	bookmarks bdomain.Store
	clock     *clock.FakeClock
}

func newHarness(t *testing.T, sources ...idomain.Source) *testHarness {
	t.Helper()
	return newHarnessWithRepo(t, func(r wdomain.Repository) wdomain.Repository { return r }, sources...)
}

func newHarnessWithRepo(t *testing.T, wrap func(wdomain.Repository) wdomain.Repository, sources ...idomain.Source) *testHarness {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&wdomain.Customer{},
		&wdomain.Product{},
		&wdomain.OrderFact{},
		&wdomain.TransactionFact{},
	))

	pipelineCfg := config.DefaultPipelineConfig()
	names := make([]string, 0, len(sources))
	for _, src := range sources {
		names = append(names, src.Name())
	}
	pipelineCfg.Sources = names
	pipelineCfg.ChunkSize = 2
	pipelineCfg.Rates = config.RatesConfig{
		Base:  "USD",
		AsOf:  "2026-03-01",
		Table: map[string]float64{"USD": 1.0, "EUR": 1.08},
	}
	holder := config.NewStaticPipelineConfigHolder(pipelineCfg)

	log := zap.NewNop()
	repo := wrap(repository.Provide(db))
	bookmarks := store.Provide(filepath.Join(t.TempDir(), "bookmarks.json"), log)
	otelMetrics, err := metrics.New(metrics.Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	fakeNow := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	runner, err := NewRunner(Params{
		Sources:   sources,
		Bookmarks: bookmarks,
		Holder:    holder,
		Rates:     fxrate.NewProvider(pipelineCfg.Rates, nil, log),
		Loader:    loader.New(db, repo, log),
		Repo:      repo,
		DB:        db,
		Metrics:   otelMetrics,
		Clock:     fakeNow,
		Log:       log,
	})
	require.NoError(t, err)

	return &testHarness{runner: runner, db: db, bookmarks: bookmarks, clock: fakeNow}
}

func shopifyPull() idomain.Pull {
	return idomain.Pull{
		Watermark: "2026-03-01T11:00:00Z",
		Batches: []idomain.RawBatch{
			{
				Kind: idomain.KindCustomers,
				Records: []idomain.RawRecord{
					{"id": "C1", "email": "jane@example.com", "first_name": "Jane", "last_name": "Doe"},
				},
			},
			{
				Kind: idomain.KindProducts,
				Records: []idomain.RawRecord{
					{"id": "P1", "title": "Widget", "price": "19.99"},
				},
			},
			{
				Kind: idomain.KindOrders,
				Records: []idomain.RawRecord{
					{
						"id": "O1", "customer_id": "C1",
						"created_at": "2026-03-01T10:00:00Z",
						"updated_at": "2026-03-01T10:00:00Z",
						"currency":   "EUR", "total_price": "90.00",
					},
					{
						"id": "O1", "customer_id": "C1",
						"created_at": "2026-03-01T10:00:00Z",
						"updated_at": "2026-03-01T11:00:00Z",
						"currency":   "EUR", "total_price": "100.00",
					},
				},
			},
			{
				Kind: idomain.KindTransactions,
				Records: []idomain.RawRecord{
					{
						"transaction_id": "T1", "order_id": "O1", "customer_id": "C1",
						"created_at": "2026-03-01T10:05:00Z",
						"currency":   "EUR", "amount": "100.00", "status": "completed",
					},
					{
						"transaction_id": "T2", "order_id": "O-missing", "customer_id": "C1",
						"created_at": "2026-03-01T10:06:00Z",
						"currency":   "USD", "amount": "5.00", "status": "completed",
					},
				},
			},
		},
	}
}

func TestRunSourceEndToEnd(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "shopify", pull: shopifyPull()}
	h := newHarness(t, src)

	summary, err := h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)

	assert.Equal(t, 6, summary.Ingested)
	assert.Equal(t, 1, summary.Deduplicated)
	assert.Zero(t, summary.Rejected)
	assert.Equal(t, 5, summary.Inserted)
	assert.Zero(t, summary.Updated)
	assert.Equal(t, "2026-03-01T11:00:00Z", summary.Cursor)

	// The duplicate EUR order collapsed to one canonical-currency row.
	var order wdomain.OrderFact
	require.NoError(t, h.db.First(&order, "order_id = ?", "O1").Error)
	assert.Equal(t, "USD", order.Currency)
	assert.Equal(t, int64(10800), order.TotalCents)
	assert.False(t, order.FraudFlagged)

	// Lifetime value recomputed from the loaded order; the order also left
	// its reference on the customer row.
	var customer wdomain.Customer
	require.NoError(t, h.db.First(&customer, "customer_id = ?", "C1").Error)
	assert.Equal(t, int64(10800), customer.LifetimeValueCents)
	assert.Equal(t, "O1", customer.LastOrderID)

	// The payment-before-order transaction passed with a warning.
	var tx wdomain.TransactionFact
	require.NoError(t, h.db.First(&tx, "transaction_id = ?", "T2").Error)
	assert.Equal(t, "O-missing", tx.OrderID)

	// Bookmark advanced only after the load.
	bm, err := h.bookmarks.Get(ctx, "shopify")
	require.NoError(t, err)
	require.NotNil(t, bm)
	assert.Equal(t, "2026-03-01T11:00:00Z", bm.Cursor)
	assert.Equal(t, bdomain.RunStatusSucceeded, bm.LastStatus)
}

func TestRunSourceReplayConverges(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "shopify", pull: shopifyPull()}
	h := newHarness(t, src)

	_, err := h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)

	second, err := h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 5, second.Updated)

	var count int64
	require.NoError(t, h.db.Model(&wdomain.OrderFact{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var customer wdomain.Customer
	require.NoError(t, h.db.First(&customer, "customer_id = ?", "C1").Error)
	assert.Equal(t, int64(10800), customer.LifetimeValueCents)
}

func TestRunSourceFetchFailureLeavesCursor(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "shopify", pull: shopifyPull()}
	h := newHarness(t, src)

	_, err := h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)

	src.err = errors.New("upstream down")
	_, err = h.runner.RunSource(ctx, "shopify")
	var failure *pdomain.RunFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "ingest", failure.Stage)

	// Cursor stays where the last success left it; only the status changed.
	bm, err := h.bookmarks.Get(ctx, "shopify")
	require.NoError(t, err)
	require.NotNil(t, bm)
	assert.Equal(t, "2026-03-01T11:00:00Z", bm.Cursor)
	assert.Equal(t, bdomain.RunStatusFailed, bm.LastStatus)

	// The next run resumes from that cursor.
	src.err = nil
	_, err = h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T11:00:00Z", src.gotCursor)
}

func TestRunSourcePassesCursorToSource(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "shopify", pull: shopifyPull()}
	h := newHarness(t, src)

	_, err := h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)
	assert.Equal(t, "", src.gotCursor)

	_, err = h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T11:00:00Z", src.gotCursor)
}

func TestRunSourceUnknownSource(t *testing.T) {
	h := newHarness(t, &fakeSource{name: "shopify", pull: shopifyPull()})

	_, err := h.runner.RunSource(context.Background(), "bigcommerce")
	assert.ErrorIs(t, err, idomain.ErrSourceUnknown)
}

// ordersOnlyPull builds a pull of n same-customer orders spaced a minute
// apart, all inside the default velocity window.
func ordersOnlyPull(n int) idomain.Pull {
	records := make([]idomain.RawRecord, 0, n)
	last := ""
	for i := 0; i < n; i++ {
		ts := time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC).Format(time.RFC3339)
		records = append(records, idomain.RawRecord{
			"id":          fmt.Sprintf("O%d", i+1),
			"customer_id": "C1",
			"created_at":  ts,
			"updated_at":  ts,
			"currency":    "USD",
			"total_price": "10.00",
		})
		last = ts
	}
	return idomain.Pull{
		Watermark: last,
		Batches:   []idomain.RawBatch{{Kind: idomain.KindOrders, Records: records}},
	}
}

func orderScores(t *testing.T, db *gorm.DB) map[string]float64 {
	t.Helper()
	var orders []wdomain.OrderFact
	require.NoError(t, db.Order("order_id").Find(&orders).Error)
	scores := make(map[string]float64, len(orders))
	for _, order := range orders {
		scores[order.OrderID] = order.FraudScore
	}
	return scores
}

func TestRunSourceFraudScoresStableAcrossReplay(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "shopify", pull: ordersOnlyPull(5)}
	h := newHarness(t, src)

	_, err := h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)
	first := orderScores(t, h.db)

	// Each order sees four batch siblings, under the velocity limit of
	// five, and its own stored copies never count on a replay.
	for id, score := range first {
		assert.Zero(t, score, id)
	}

	_, err = h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)
	assert.Equal(t, first, orderScores(t, h.db))
}

func TestRunSourceVelocityCountsBatchSiblings(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "shopify", pull: ordersOnlyPull(6)}
	h := newHarness(t, src)

	_, err := h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)
	first := orderScores(t, h.db)
	for id, score := range first {
		assert.InDelta(t, 0.1, score, 1e-9, id)
	}

	_, err = h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)
	assert.Equal(t, first, orderScores(t, h.db))
}

type failingOrderRepo struct {
	wdomain.Repository
	calls int
}

func (f *failingOrderRepo) UpsertOrders(ctx context.Context, tx *gorm.DB, orders []*wdomain.OrderFact) error {
	f.calls++
	if f.calls == 2 {
		return errors.New("connection reset")
	}
	return f.Repository.UpsertOrders(ctx, tx, orders)
}

func TestRunSourceMidChunkFailureLeavesBookmark(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "shopify", pull: ordersOnlyPull(4)}
	var flaky *failingOrderRepo
	h := newHarnessWithRepo(t, func(r wdomain.Repository) wdomain.Repository {
		flaky = &failingOrderRepo{Repository: r}
		return flaky
	}, src)

	_, err := h.runner.RunSource(ctx, "shopify")
	var failure *pdomain.RunFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "load", failure.Stage)

	// The first chunk committed, the second rolled back, and the bookmark
	// never moved.
	var count int64
	require.NoError(t, h.db.Model(&wdomain.OrderFact{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	bm, err := h.bookmarks.Get(ctx, "shopify")
	require.NoError(t, err)
	require.NotNil(t, bm)
	assert.Equal(t, "", bm.Cursor)
	assert.Equal(t, bdomain.RunStatusFailed, bm.LastStatus)

	// The replay starts from scratch and converges.
	_, err = h.runner.RunSource(ctx, "shopify")
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&wdomain.OrderFact{}).Count(&count).Error)
	assert.Equal(t, int64(4), count)

	bm, err = h.bookmarks.Get(ctx, "shopify")
	require.NoError(t, err)
	require.NotNil(t, bm)
	assert.Equal(t, "2026-03-01T10:03:00Z", bm.Cursor)
	assert.Equal(t, bdomain.RunStatusSucceeded, bm.LastStatus)
}

func TestRunDurationsUseInjectedClock(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "etsy", pull: shopifyPull()}
	h := newHarness(t, src)

	_, err := h.runner.RunSource(ctx, "etsy")
	require.NoError(t, err)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	found := false
	for _, family := range families {
		if family.GetName() != "merchlytics_pipeline_run_duration_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "source" && label.GetValue() == "etsy" {
					found = true
					// The fake clock never advances during the run.
					assert.Zero(t, metric.GetHistogram().GetSampleSum())
				}
			}
		}
	}
	require.True(t, found)
}

func TestRunAllIsolatesSourceFailures(t *testing.T) {
	ctx := context.Background()
	healthy := &fakeSource{name: "shopify", pull: shopifyPull()}
	broken := &fakeSource{name: "stripe", err: errors.New("upstream down")}
	h := newHarness(t, healthy, broken)

	summaries, err := h.runner.RunAll(ctx)
	require.Error(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "shopify", summaries[0].Source)

	// The healthy source's load landed despite the other failing.
	var count int64
	require.NoError(t, h.db.Model(&wdomain.OrderFact{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
