package normalize

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	idomain "github.com/merchlytics/merchlytics/internal/ingest/domain"
	wdomain "github.com/merchlytics/merchlytics/internal/warehouse/domain"
	"gorm.io/datatypes"
)

var ErrMissingNaturalKey = errors.New("missing_natural_key")

// minorUnitSources deliver monetary amounts already in minor units; every
// other source sends decimal amounts.
var minorUnitSources = map[string]bool{
	"stripe": true,
}

// Mapper extracts warehouse entities from raw source records. It is shape
// tolerant: sources disagree on field names, nesting, and whether amounts are
// decimal or minor units, so every field probes the known variants.
type Mapper struct {
	loc *time.Location
}

func NewMapper(loc *time.Location) *Mapper {
	return &Mapper{loc: loc}
}

func (m *Mapper) Customer(source string, rec idomain.RawRecord) (*wdomain.Customer, error) {
	id := rec.String("customer_id", "id")
	if id == "" {
		return nil, ErrMissingNaturalKey
	}

	name := rec.String("name")
	if name == "" {
		first := rec.String("first_name")
		last := rec.String("last_name")
		name = strings.TrimSpace(first + " " + last)
	}

	customer := &wdomain.Customer{
		CustomerID: id,
		Email:      strings.ToLower(strings.TrimSpace(rec.String("email"))),
		Name:       name,
		Metadata:   datatypes.JSONMap{"source": source},
		ObservedAt: rec.ObservedAt(m.loc),
	}
	if ts, err := m.timestamp(rec, "created_at", "date_created"); err == nil {
		customer.FirstSeenAt = &ts
	}
	return customer, nil
}

func (m *Mapper) Product(source string, rec idomain.RawRecord) (*wdomain.Product, error) {
	id := rec.String("product_id", "id")
	if id == "" {
		return nil, ErrMissingNaturalKey
	}

	return &wdomain.Product{
		ProductID:      id,
		SKU:            rec.String("sku"),
		Name:           rec.String("name", "title"),
		Category:       rec.String("category", "product_type"),
		ListPriceCents: m.amountCents(source, rec, "price", "list_price", "regular_price"),
		Active:         rec.Bool(true, "active", "is_active"),
		Metadata:       datatypes.JSONMap{"source": source},
		ObservedAt:     rec.ObservedAt(m.loc),
	}, nil
}

func (m *Mapper) Order(source string, rec idomain.RawRecord) (*wdomain.OrderFact, error) {
	id := rec.String("order_id", "id")
	if id == "" {
		return nil, ErrMissingNaturalKey
	}

	orderDate, err := m.timestamp(rec, "order_date", "created_at", "date_created")
	if err != nil {
		return nil, err
	}

	lineItems := rec.List("line_items", "items")
	itemCount, ok := rec.Int("item_count")
	if !ok {
		itemCount = len(lineItems)
	}

	order := &wdomain.OrderFact{
		OrderID:         id,
		OrderDate:       orderDate,
		CustomerID:      m.customerRef(rec),
		Currency:        strings.ToUpper(strings.TrimSpace(rec.String("currency"))),
		TotalCents:      m.amountCents(source, rec, "total_price", "total", "amount"),
		SubtotalCents:   m.amountCents(source, rec, "subtotal_price", "subtotal"),
		TaxCents:        m.amountCents(source, rec, "total_tax", "tax"),
		ShippingCents:   m.amountCents(source, rec, "shipping_price", "shipping_total", "shipping"),
		ItemCount:       itemCount,
		ShippingAddress: jsonMap(rec.Map("shipping_address", "shipping")),
		BillingAddress:  jsonMap(rec.Map("billing_address", "billing")),
		LineItems:       jsonList(lineItems),
		RawPayload:      datatypes.JSONMap(rec),
		ObservedAt:      rec.ObservedAt(m.loc),
	}
	return order, nil
}

func (m *Mapper) Transaction(source string, rec idomain.RawRecord) (*wdomain.TransactionFact, error) {
	id := rec.String("transaction_id", "id", "charge_id")
	if id == "" {
		return nil, ErrMissingNaturalKey
	}

	txDate, err := m.timestamp(rec, "transaction_date", "created_at", "date_created", "created")
	if err != nil {
		return nil, err
	}

	var amount int64
	if v, ok := rec.Float("amount_cents"); ok {
		amount = int64(v)
	} else {
		amount = m.amountCents(source, rec, "amount")
	}
	currency := strings.ToUpper(strings.TrimSpace(rec.String("currency")))
	// PayPal nests amount and currency one level down.
	if nested := rec.Map("amount"); nested != nil {
		nestedRec := idomain.RawRecord(nested)
		if v, ok := nestedRec.Float("value"); ok {
			amount = Cents(v)
		}
		if c := nestedRec.String("currency_code", "currency"); c != "" {
			currency = strings.ToUpper(strings.TrimSpace(c))
		}
	}

	orderID := rec.String("order_id", "invoice_id")
	if orderID == "" {
		if meta := rec.Map("metadata"); meta != nil {
			orderID = idomain.RawRecord(meta).String("order_id")
		}
	}

	provider := rec.String("payment_provider", "gateway")
	if provider == "" {
		provider = source
	}

	return &wdomain.TransactionFact{
		TransactionID:   id,
		TransactionDate: txDate,
		OrderID:         orderID,
		CustomerID:      m.customerRef(rec),
		PaymentProvider: provider,
		AmountCents:     amount,
		Currency:        currency,
		Status:          strings.ToLower(rec.String("status")),
		RawPayload:      datatypes.JSONMap(rec),
		ObservedAt:      rec.ObservedAt(m.loc),
	}, nil
}

// timestamp probes the given keys for a parseable timestamp, also accepting
// epoch seconds (Stripe's created field).
func (m *Mapper) timestamp(rec idomain.RawRecord, keys ...string) (time.Time, error) {
	for _, key := range keys {
		raw, ok := rec[key]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case string:
			if ts, err := ParseTimestamp(v, m.loc); err == nil {
				return ts, nil
			}
		case float64:
			if v > 1e9 {
				return time.Unix(int64(v), 0).UTC(), nil
			}
		case int64:
			if v > 1e9 {
				return time.Unix(v, 0).UTC(), nil
			}
		}
	}
	return time.Time{}, ErrUnparseableTimestamp
}

func (m *Mapper) amountCents(source string, rec idomain.RawRecord, keys ...string) int64 {
	v, ok := rec.Float(keys...)
	if !ok {
		return 0
	}
	if minorUnitSources[source] {
		return int64(v)
	}
	return Cents(v)
}

func (m *Mapper) customerRef(rec idomain.RawRecord) string {
	if id := rec.String("customer_id"); id != "" {
		return id
	}
	if nested := rec.Map("customer"); nested != nil {
		return idomain.RawRecord(nested).String("id", "customer_id")
	}
	// Stripe carries the customer reference as a bare string.
	return rec.String("customer")
}

func jsonMap(source map[string]any) datatypes.JSONMap {
	if source == nil {
		return datatypes.JSONMap{}
	}
	return datatypes.JSONMap(source)
}

func jsonList(items []any) datatypes.JSON {
	if len(items) == 0 {
		return datatypes.JSON("[]")
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(payload)
}
