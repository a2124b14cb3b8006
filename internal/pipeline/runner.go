// Package pipeline orchestrates one transform-and-load run per source:
// fetch, normalize, validate, load dimensions then facts, recompute lifetime
// values, and only then advance the bookmark.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	bdomain "github.com/merchlytics/merchlytics/internal/bookmark/domain"
	"github.com/merchlytics/merchlytics/internal/clock"
	"github.com/merchlytics/merchlytics/internal/config"
	"github.com/merchlytics/merchlytics/internal/fxrate"
	idomain "github.com/merchlytics/merchlytics/internal/ingest/domain"
	"github.com/merchlytics/merchlytics/internal/loader"
	"github.com/merchlytics/merchlytics/internal/normalize"
	"github.com/merchlytics/merchlytics/internal/observability/logger"
	"github.com/merchlytics/merchlytics/internal/observability/metrics"
	pdomain "github.com/merchlytics/merchlytics/internal/pipeline/domain"
	"github.com/merchlytics/merchlytics/internal/runcontext"
	"github.com/merchlytics/merchlytics/internal/validate"
	wdomain "github.com/merchlytics/merchlytics/internal/warehouse/domain"
	"github.com/merchlytics/merchlytics/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Sources   []idomain.Source
	Bookmarks bdomain.Store
	Holder    *config.PipelineConfigHolder
	Rates     fxrate.Provider
	Loader    *loader.Loader
	Repo      wdomain.Repository
	DB        *gorm.DB
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Log       *zap.Logger
}

type Runner struct {
	sources   map[string]idomain.Source
	bookmarks bdomain.Store
	holder    *config.PipelineConfigHolder
	rates     fxrate.Provider
	loader    *loader.Loader
	repo      wdomain.Repository
	db        *gorm.DB
	metrics   *metrics.Metrics
	clock     clock.Clock
	node      *snowflake.Node
	log       *zap.Logger
}

func NewRunner(p Params) (*Runner, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}
	sources := make(map[string]idomain.Source, len(p.Sources))
	for _, src := range p.Sources {
		sources[src.Name()] = src
	}
	return &Runner{
		sources:   sources,
		bookmarks: p.Bookmarks,
		holder:    p.Holder,
		rates:     p.Rates,
		loader:    p.Loader,
		repo:      p.Repo,
		db:        p.DB,
		metrics:   p.Metrics,
		clock:     p.Clock,
		node:      node,
		log:       p.Log.Named("pipeline"),
	}, nil
}

// RunSource executes one full run for the named source. The bookmark moves
// only after every chunk of every entity kind has committed; any failure
// leaves it at the previous cursor so the next run replays the window.
func (r *Runner) RunSource(ctx context.Context, name string) (pdomain.RunSummary, error) {
	source, ok := r.sources[name]
	if !ok {
		return pdomain.RunSummary{}, fmt.Errorf("%w: %s", idomain.ErrSourceUnknown, name)
	}

	runID := r.node.Generate().String()
	ctx = runcontext.WithRun(ctx, runID, name)
	log := logger.WithContext(ctx, r.log)
	pm := metrics.Pipeline()

	startedAt := r.clock.Now()
	summary := pdomain.RunSummary{RunID: runID, Source: name, StartedAt: startedAt}

	fail := func(stage string, err error) (pdomain.RunSummary, error) {
		pm.IncRun(name, metrics.RunStatusFailed)
		pm.IncRunFailure(name, stage, err)
		pm.ObserveRunDuration(name, r.clock.Now().Sub(startedAt))
		log.Error("run failed",
			zap.String("stage", stage),
			zap.Error(err),
		)
		r.recordFailure(name)
		return summary, &pdomain.RunFailure{RunID: runID, Source: name, Stage: stage, Err: err}
	}

	cfg := r.holder.Get()
	bookmark := r.bookmarks.GetOrDefault(ctx, name, "")
	log.Info("run started", zap.String("cursor", bookmark.Cursor))

	// Ingest.
	stageStart := r.clock.Now()
	pull, err := source.Fetch(ctx, bookmark.Cursor)
	if err != nil {
		return fail(metrics.StageIngest, err)
	}
	pm.ObserveStageDuration(name, metrics.StageIngest, r.clock.Now().Sub(stageStart))

	// Normalize.
	stageStart = r.clock.Now()
	engine, err := normalize.New(cfg, r.log)
	if err != nil {
		return fail(metrics.StageNormalize, err)
	}
	rates := r.rates.Snapshot(ctx)
	result := engine.Normalize(name, pull.Batches, rates)
	summary.Ingested = result.Ingested
	summary.Deduplicated = result.Deduplicated
	summary.Malformed = result.Malformed
	pm.AddRecords(name, metrics.StageNormalize, result.Ingested)
	r.metrics.AddIngested(ctx, name, "all", result.Ingested)
	r.metrics.AddDeduplicated(ctx, name, "all", result.Deduplicated)
	pm.ObserveStageDuration(name, metrics.StageNormalize, r.clock.Now().Sub(stageStart))

	// Validate.
	stageStart = r.clock.Now()
	validator := validate.New(cfg)
	customers, custReport, err := validator.Customers(result.Customers)
	if err != nil {
		return fail(metrics.StageValidate, err)
	}
	products, prodReport, err := validator.Products(result.Products)
	if err != nil {
		return fail(metrics.StageValidate, err)
	}
	orders, orderReport, err := validator.Orders(result.Orders)
	if err != nil {
		return fail(metrics.StageValidate, err)
	}
	knownOrders, err := r.knownOrders(ctx, orders, result.Transactions)
	if err != nil {
		return fail(metrics.StageValidate, err)
	}
	transactions, txReport, err := validator.Transactions(result.Transactions, knownOrders)
	if err != nil {
		return fail(metrics.StageValidate, err)
	}
	reports := []validate.Report{custReport, prodReport, orderReport, txReport}
	for _, report := range reports {
		summary.Validated += report.Passed
		summary.Rejected += len(report.Rejected)
		for _, rejected := range report.Rejected {
			log.Warn("record rejected",
				zap.String("entity", rejected.Entity),
				zap.String("key", rejected.Key),
				zap.Strings("reasons", rejected.Reasons),
			)
		}
	}
	pm.AddRecords(name, metrics.StageValidate, summary.Validated)
	r.metrics.AddRejected(ctx, name, "all", summary.Rejected)
	pm.ObserveStageDuration(name, metrics.StageValidate, r.clock.Now().Sub(stageStart))

	// Fraud scoring happens before the load so the scores land on the rows.
	if err := r.scoreOrders(ctx, engine.Scorer(), orders, customers, &summary); err != nil {
		return fail(metrics.StageNormalize, err)
	}
	r.metrics.AddFraudFlagged(ctx, name, summary.FraudFlagged)

	// Load dimensions before facts so fact rows can resolve their refs.
	stageStart = r.clock.Now()
	loaded := loader.Result{}
	for _, step := range []func(context.Context, int) (loader.Result, error){
		func(ctx context.Context, chunk int) (loader.Result, error) {
			return r.loader.LoadCustomers(ctx, customers, chunk)
		},
		func(ctx context.Context, chunk int) (loader.Result, error) {
			return r.loader.LoadProducts(ctx, products, chunk)
		},
		func(ctx context.Context, chunk int) (loader.Result, error) {
			return r.loader.LoadOrders(ctx, orders, chunk)
		},
		func(ctx context.Context, chunk int) (loader.Result, error) {
			return r.loader.LoadTransactions(ctx, transactions, chunk)
		},
	} {
		res, err := step(ctx, cfg.ChunkSize)
		loaded = loaded.Add(res)
		if err != nil {
			return fail(metrics.StageLoad, classifyLoadErr(err))
		}
	}
	summary.Inserted = loaded.Inserted
	summary.Updated = loaded.Updated
	pm.AddRecords(name, metrics.StageLoad, loaded.Inserted+loaded.Updated)
	r.metrics.AddInserted(ctx, name, "all", loaded.Inserted)
	r.metrics.AddUpdated(ctx, name, "all", loaded.Updated)

	if err := r.recomputeLifetimeValues(ctx, orders); err != nil {
		return fail(metrics.StageLoad, classifyLoadErr(err))
	}
	pm.ObserveStageDuration(name, metrics.StageLoad, r.clock.Now().Sub(stageStart))

	// Advance the bookmark last.
	cursor := pull.Watermark
	if cursor == "" {
		cursor = bookmark.Cursor
	}
	finishedAt := r.clock.Now()
	err = r.bookmarks.Set(ctx, name, bdomain.Bookmark{
		Cursor:     cursor,
		LastRunAt:  finishedAt,
		LastStatus: bdomain.RunStatusSucceeded,
	})
	if err != nil {
		return fail(metrics.StageBookmark, err)
	}

	summary.Cursor = cursor
	summary.FinishedAt = finishedAt
	pm.IncRun(name, metrics.RunStatusSucceeded)
	pm.ObserveRunDuration(name, finishedAt.Sub(startedAt))
	log.Info("run succeeded",
		zap.Int("ingested", summary.Ingested),
		zap.Int("deduplicated", summary.Deduplicated),
		zap.Int("rejected", summary.Rejected),
		zap.Int("inserted", summary.Inserted),
		zap.Int("updated", summary.Updated),
		zap.Int("fraud_flagged", summary.FraudFlagged),
		zap.String("cursor", cursor),
	)
	return summary, nil
}

// RunAll runs every configured source. Sources are independent: one failing
// never stops the others, and each keeps its own bookmark.
func (r *Runner) RunAll(ctx context.Context) ([]pdomain.RunSummary, error) {
	cfg := r.holder.Get()

	var (
		mu        sync.Mutex
		summaries []pdomain.RunSummary
		failures  []error
	)
	var g errgroup.Group
	for _, name := range cfg.Sources {
		name := name
		g.Go(func() error {
			summary, err := r.RunSource(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return nil
			}
			summaries = append(summaries, summary)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summaries, err
	}
	return summaries, errors.Join(failures...)
}

// RunForever loops RunAll on the configured interval, bounding each sweep
// with the run timeout. It returns when ctx is canceled.
func (r *Runner) RunForever(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		if _, err := r.RunAll(runCtx); err != nil {
			r.log.Error("sweep finished with failures", zap.Error(err))
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// knownOrders collects order IDs visible to transaction validation: the
// current batch plus rows already in the warehouse.
func (r *Runner) knownOrders(ctx context.Context, orders []*wdomain.OrderFact, transactions []*wdomain.TransactionFact) (map[string]bool, error) {
	known := make(map[string]bool, len(orders))
	for _, order := range orders {
		known[order.OrderID] = true
	}

	var unresolved []string
	for _, tx := range transactions {
		if tx.OrderID != "" && !known[tx.OrderID] {
			unresolved = append(unresolved, tx.OrderID)
		}
	}
	if len(unresolved) == 0 {
		return known, nil
	}
	existing, err := r.repo.ExistingKeys(ctx, r.db, "orders_fact", "order_id", unresolved)
	if err != nil {
		return nil, err
	}
	for id := range existing {
		known[id] = true
	}
	return known, nil
}

// scoreOrders applies the fraud scorer using batch emails plus order history
// for the velocity signal. The history an order sees is its batch siblings
// plus stored orders outside the batch; the stored copies of the batch
// itself are excluded, so replaying an identical batch yields identical
// scores.
func (r *Runner) scoreOrders(ctx context.Context, scorer *normalize.FraudScorer, orders []*wdomain.OrderFact, customers []*wdomain.Customer, summary *pdomain.RunSummary) error {
	if len(orders) == 0 {
		return nil
	}

	emails := make(map[string]string, len(customers))
	for _, customer := range customers {
		emails[customer.CustomerID] = customer.Email
	}

	customerIDs := make([]string, 0, len(orders))
	seen := make(map[string]bool, len(orders))
	batchOrderIDs := make([]string, 0, len(orders))
	for _, order := range orders {
		batchOrderIDs = append(batchOrderIDs, order.OrderID)
		if order.CustomerID != "" && !seen[order.CustomerID] {
			seen[order.CustomerID] = true
			customerIDs = append(customerIDs, order.CustomerID)
		}
	}
	history, err := r.repo.OrderDatesByCustomers(ctx, customerIDs, batchOrderIDs)
	if err != nil {
		return err
	}

	siblings := make(map[string][]*wdomain.OrderFact, len(customerIDs))
	for _, order := range orders {
		siblings[order.CustomerID] = append(siblings[order.CustomerID], order)
	}

	for _, order := range orders {
		recent := history[order.CustomerID]
		for _, sibling := range siblings[order.CustomerID] {
			if sibling.OrderID != order.OrderID {
				recent = append(recent, sibling.OrderDate)
			}
		}
		score := scorer.Score(order, emails[order.CustomerID], recent)
		order.FraudScore = score
		order.FraudFlagged = scorer.Flagged(score)
		if order.FraudFlagged {
			summary.FraudFlagged++
		}
	}
	return nil
}

// recomputeLifetimeValues merges stored per-order totals with the batch and
// writes the resulting lifetime value per customer in one transaction.
func (r *Runner) recomputeLifetimeValues(ctx context.Context, orders []*wdomain.OrderFact) error {
	if len(orders) == 0 {
		return nil
	}

	customerIDs := make([]string, 0, len(orders))
	seen := make(map[string]bool, len(orders))
	for _, order := range orders {
		if order.CustomerID != "" && !seen[order.CustomerID] {
			seen[order.CustomerID] = true
			customerIDs = append(customerIDs, order.CustomerID)
		}
	}
	if len(customerIDs) == 0 {
		return nil
	}

	history, err := r.repo.OrderTotalsByCustomers(ctx, customerIDs)
	if err != nil {
		return err
	}
	clv := normalize.RecomputeCLV(history, orders)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.repo.UpdateCustomerLifetimeValues(ctx, tx, clv)
	})
}

// recordFailure stamps the bookmark's status without moving the cursor so
// operators can see the last failed attempt. A store error here is only
// logged; the run error already propagates.
func (r *Runner) recordFailure(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bookmark := r.bookmarks.GetOrDefault(ctx, name, "")
	bookmark.LastRunAt = r.clock.Now()
	bookmark.LastStatus = bdomain.RunStatusFailed
	if err := r.bookmarks.Set(ctx, name, bookmark); err != nil {
		r.log.Error("failed to record run failure on bookmark",
			zap.String("source", name),
			zap.Error(err),
		)
	}
}

func classifyLoadErr(err error) error {
	if metrics.IsStorageUnavailable(err) || errors.Is(err, context.DeadlineExceeded) {
		return pdomain.Transient(err)
	}
	// The conflict clause absorbs natural-key duplicates; one leaking
	// through means the upsert's conflict target is wrong.
	if db.IsDuplicateKeyErr(err) {
		return &pdomain.IntegrityBug{Detail: "duplicate key during upsert: " + err.Error()}
	}
	return err
}
