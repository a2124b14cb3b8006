package normalize

import (
	"time"

	"github.com/merchlytics/merchlytics/internal/config"
	"github.com/merchlytics/merchlytics/internal/fxrate"
	idomain "github.com/merchlytics/merchlytics/internal/ingest/domain"
	wdomain "github.com/merchlytics/merchlytics/internal/warehouse/domain"
	"go.uber.org/zap"
)

// Result is the normalized output of one source pull: deduplicated entities
// in canonical currency with UTC timestamps, plus drop counters.
type Result struct {
	Customers    []*wdomain.Customer
	Products     []*wdomain.Product
	Orders       []*wdomain.OrderFact
	Transactions []*wdomain.TransactionFact

	Ingested     int
	Deduplicated int
	Malformed    int
}

// Engine turns raw source batches into warehouse entities. All work is pure
// given a rate table snapshot: the same input and table always produce the
// same output.
type Engine struct {
	cfg    config.PipelineConfig
	mapper *Mapper
	scorer *FraudScorer
	log    *zap.Logger
}

func New(cfg config.PipelineConfig, log *zap.Logger) (*Engine, error) {
	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:    cfg,
		mapper: NewMapper(loc),
		scorer: NewFraudScorer(cfg.Fraud),
		log:    log.Named("normalize"),
	}, nil
}

func (e *Engine) Scorer() *FraudScorer { return e.scorer }

// Normalize maps, deduplicates, and currency-converts every batch of a pull.
// Records without a natural key or a parseable timestamp are dropped and
// counted, never fatal. Every order also yields a customer dimension row so
// no fact row references a customer the warehouse has never seen; orders
// without any customer reference get a guest identity derived from the
// order ID.
func (e *Engine) Normalize(source string, batches []idomain.RawBatch, rates fxrate.Table) Result {
	var out Result
	synth := newCustomerSynth(source)
	for _, batch := range batches {
		out.Ingested += len(batch.Records)
		switch batch.Kind {
		case idomain.KindCustomers:
			e.normalizeCustomers(source, batch.Records, &out)
		case idomain.KindProducts:
			e.normalizeProducts(source, batch.Records, &out)
		case idomain.KindOrders:
			e.normalizeOrders(source, batch.Records, rates, synth, &out)
		case idomain.KindTransactions:
			e.normalizeTransactions(source, batch.Records, rates, &out)
		default:
			e.log.Warn("unknown batch kind skipped",
				zap.String("source", source),
				zap.String("kind", string(batch.Kind)),
				zap.Int("records", len(batch.Records)),
			)
			out.Malformed += len(batch.Records)
		}
	}
	synth.mergeInto(&out)
	return out
}

func (e *Engine) normalizeCustomers(source string, records []idomain.RawRecord, out *Result) {
	mapped := make([]*wdomain.Customer, 0, len(records))
	for _, rec := range records {
		customer, err := e.mapper.Customer(source, rec)
		if err != nil {
			e.dropRecord(source, "customers", err)
			out.Malformed++
			continue
		}
		mapped = append(mapped, customer)
	}
	kept, dropped := Dedupe(mapped)
	out.Customers = append(out.Customers, kept...)
	out.Deduplicated += dropped
}

func (e *Engine) normalizeProducts(source string, records []idomain.RawRecord, out *Result) {
	mapped := make([]*wdomain.Product, 0, len(records))
	for _, rec := range records {
		product, err := e.mapper.Product(source, rec)
		if err != nil {
			e.dropRecord(source, "products", err)
			out.Malformed++
			continue
		}
		mapped = append(mapped, product)
	}
	kept, dropped := Dedupe(mapped)
	out.Products = append(out.Products, kept...)
	out.Deduplicated += dropped
}

func (e *Engine) normalizeOrders(source string, records []idomain.RawRecord, rates fxrate.Table, synth *customerSynth, out *Result) {
	mapped := make([]*wdomain.OrderFact, 0, len(records))
	for _, rec := range records {
		order, err := e.mapper.Order(source, rec)
		if err != nil {
			e.dropRecord(source, "orders", err)
			out.Malformed++
			continue
		}
		if order.CustomerID == "" {
			order.CustomerID = "guest_" + order.OrderID
		}
		e.convertOrder(order, rates)
		mapped = append(mapped, order)
		synth.observe(order, rec)
	}
	kept, dropped := Dedupe(mapped)
	out.Orders = append(out.Orders, kept...)
	out.Deduplicated += dropped
}

func (e *Engine) normalizeTransactions(source string, records []idomain.RawRecord, rates fxrate.Table, out *Result) {
	mapped := make([]*wdomain.TransactionFact, 0, len(records))
	for _, rec := range records {
		tx, err := e.mapper.Transaction(source, rec)
		if err != nil {
			e.dropRecord(source, "transactions", err)
			out.Malformed++
			continue
		}
		e.convertTransaction(tx, rates)
		mapped = append(mapped, tx)
	}
	kept, dropped := Dedupe(mapped)
	out.Transactions = append(out.Transactions, kept...)
	out.Deduplicated += dropped
}

// convertOrder rewrites all monetary fields into the canonical currency. A
// currency the rate table does not know passes through unchanged so the
// validation layer can record the warning.
func (e *Engine) convertOrder(order *wdomain.OrderFact, rates fxrate.Table) {
	if order.Currency == "" {
		order.Currency = e.cfg.CanonicalCurrency
		return
	}
	if order.Currency == e.cfg.CanonicalCurrency {
		return
	}
	rate, err := rates.Rate(order.Currency)
	if err != nil {
		return
	}
	order.TotalCents = ConvertCents(order.TotalCents, rate)
	order.SubtotalCents = ConvertCents(order.SubtotalCents, rate)
	order.TaxCents = ConvertCents(order.TaxCents, rate)
	order.ShippingCents = ConvertCents(order.ShippingCents, rate)
	order.Currency = e.cfg.CanonicalCurrency
}

func (e *Engine) convertTransaction(tx *wdomain.TransactionFact, rates fxrate.Table) {
	if tx.Currency == "" {
		tx.Currency = e.cfg.CanonicalCurrency
		return
	}
	if tx.Currency == e.cfg.CanonicalCurrency {
		return
	}
	rate, err := rates.Rate(tx.Currency)
	if err != nil {
		return
	}
	tx.AmountCents = ConvertCents(tx.AmountCents, rate)
	tx.Currency = e.cfg.CanonicalCurrency
}

func (e *Engine) dropRecord(source, entity string, err error) {
	e.log.Debug("record dropped",
		zap.String("source", source),
		zap.String("entity", entity),
		zap.Error(err),
	)
}
