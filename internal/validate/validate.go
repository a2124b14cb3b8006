// Package validate gatekeeps normalized entities before load. Hard failures
// exclude the record and are reported per record; soft findings attach a
// warning and pass through. Only structural misuse is an error.
package validate

import (
	"fmt"
	"strings"

	"github.com/merchlytics/merchlytics/internal/config"
	pdomain "github.com/merchlytics/merchlytics/internal/pipeline/domain"
	wdomain "github.com/merchlytics/merchlytics/internal/warehouse/domain"
)

const warningsKey = "validation_warnings"

// Report is the per-batch outcome: how many records passed, every rejection
// with its reasons, and how many passed with warnings attached.
type Report struct {
	Passed   int
	Rejected []*pdomain.ValidationError
	Warned   int
}

func (r *Report) reject(entity, key string, reasons []string) {
	r.Rejected = append(r.Rejected, &pdomain.ValidationError{
		Entity:  entity,
		Key:     key,
		Reasons: reasons,
	})
}

// Validator applies the rule set for each entity kind.
type Validator struct {
	canonicalCurrency string
	toleranceCents    int64
}

func New(cfg config.PipelineConfig) *Validator {
	return &Validator{
		canonicalCurrency: cfg.CanonicalCurrency,
		toleranceCents:    cfg.AmountToleranceCent,
	}
}

// Customers rejects records with a malformed email. A missing email is
// acceptable; a present one must be well formed.
func (v *Validator) Customers(in []*wdomain.Customer) ([]*wdomain.Customer, Report, error) {
	if err := assertUniqueKeys("customers", keysOf(in)); err != nil {
		return nil, Report{}, err
	}

	var report Report
	kept := make([]*wdomain.Customer, 0, len(in))
	for _, customer := range in {
		var reasons []string
		if customer.CustomerID == "" {
			reasons = append(reasons, "missing customer_id")
		}
		if customer.Email != "" && !validEmail(customer.Email) {
			reasons = append(reasons, "invalid email "+customer.Email)
		}
		if len(reasons) > 0 {
			report.reject("customers", customer.CustomerID, reasons)
			continue
		}
		report.Passed++
		kept = append(kept, customer)
	}
	return kept, report, nil
}

func (v *Validator) Products(in []*wdomain.Product) ([]*wdomain.Product, Report, error) {
	if err := assertUniqueKeys("products", keysOf(in)); err != nil {
		return nil, Report{}, err
	}

	var report Report
	kept := make([]*wdomain.Product, 0, len(in))
	for _, product := range in {
		var reasons []string
		if product.ProductID == "" {
			reasons = append(reasons, "missing product_id")
		}
		if product.ListPriceCents < 0 {
			reasons = append(reasons, "negative list price")
		}
		if len(reasons) > 0 {
			report.reject("products", product.ProductID, reasons)
			continue
		}
		report.Passed++
		kept = append(kept, product)
	}
	return kept, report, nil
}

// Orders applies hard checks (required fields, negative amounts, component
// sum off by more than the tolerance) and soft checks (within-tolerance
// mismatch, currency the rate table could not convert).
func (v *Validator) Orders(in []*wdomain.OrderFact) ([]*wdomain.OrderFact, Report, error) {
	if err := assertUniqueKeys("orders", keysOf(in)); err != nil {
		return nil, Report{}, err
	}

	var report Report
	kept := make([]*wdomain.OrderFact, 0, len(in))
	for _, order := range in {
		var reasons []string
		if order.OrderID == "" {
			reasons = append(reasons, "missing order_id")
		}
		if order.OrderDate.IsZero() {
			reasons = append(reasons, "missing order_date")
		}
		if order.TotalCents < 0 || order.SubtotalCents < 0 || order.TaxCents < 0 || order.ShippingCents < 0 {
			reasons = append(reasons, "negative amount")
		}

		var warnings []string
		if diff := componentDiff(order); diff != 0 {
			if abs(diff) > v.toleranceCents {
				reasons = append(reasons, fmt.Sprintf("total off component sum by %d cents", diff))
			} else {
				warnings = append(warnings, fmt.Sprintf("total off component sum by %d cents", diff))
			}
		}
		if order.Currency != v.canonicalCurrency {
			warnings = append(warnings, "unconverted currency "+order.Currency)
		}

		if len(reasons) > 0 {
			report.reject("orders", order.OrderID, reasons)
			continue
		}
		if len(warnings) > 0 {
			attachWarnings(order.RawPayload, warnings)
			report.Warned++
		}
		report.Passed++
		kept = append(kept, order)
	}
	return kept, report, nil
}

// Transactions treats an unresolved order reference as a warning, not a
// rejection: payment-first sources deliver the charge before the order.
// knownOrders holds order IDs present in the batch or already stored.
func (v *Validator) Transactions(in []*wdomain.TransactionFact, knownOrders map[string]bool) ([]*wdomain.TransactionFact, Report, error) {
	if err := assertUniqueKeys("transactions", keysOf(in)); err != nil {
		return nil, Report{}, err
	}

	var report Report
	kept := make([]*wdomain.TransactionFact, 0, len(in))
	for _, tx := range in {
		var reasons []string
		if tx.TransactionID == "" {
			reasons = append(reasons, "missing transaction_id")
		}
		if tx.TransactionDate.IsZero() {
			reasons = append(reasons, "missing transaction_date")
		}
		if tx.AmountCents < 0 {
			reasons = append(reasons, "negative amount")
		}

		var warnings []string
		if tx.OrderID != "" && !knownOrders[tx.OrderID] {
			warnings = append(warnings, "unresolved order reference "+tx.OrderID)
		}
		if tx.Currency != v.canonicalCurrency {
			warnings = append(warnings, "unconverted currency "+tx.Currency)
		}

		if len(reasons) > 0 {
			report.reject("transactions", tx.TransactionID, reasons)
			continue
		}
		if len(warnings) > 0 {
			attachWarnings(tx.RawPayload, warnings)
			report.Warned++
		}
		report.Passed++
		kept = append(kept, tx)
	}
	return kept, report, nil
}

type keyed interface{ NaturalKey() string }

func keysOf[T keyed](in []T) []string {
	keys := make([]string, 0, len(in))
	for _, rec := range in {
		keys = append(keys, rec.NaturalKey())
	}
	return keys
}

// A duplicate key here means dedup failed upstream. That is an engine defect,
// not bad input, so the run halts instead of loading garbage.
func assertUniqueKeys(entity string, keys []string) error {
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			return &pdomain.IntegrityBug{
				Detail: "duplicate " + entity + " key after dedup: " + key,
			}
		}
		seen[key] = true
	}
	return nil
}

func attachWarnings(payload map[string]any, warnings []string) {
	if payload == nil {
		return
	}
	existing, _ := payload[warningsKey].([]string)
	payload[warningsKey] = append(existing, warnings...)
}

func componentDiff(order *wdomain.OrderFact) int64 {
	sum := order.SubtotalCents + order.TaxCents + order.ShippingCents
	if sum == 0 {
		return 0
	}
	return order.TotalCents - sum
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	if strings.Count(email, "@") != 1 {
		return false
	}
	domain := email[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	return !strings.ContainsAny(email, " \t")
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
