package normalize

import (
	"strings"
	"time"

	idomain "github.com/merchlytics/merchlytics/internal/ingest/domain"
	wdomain "github.com/merchlytics/merchlytics/internal/warehouse/domain"
	"gorm.io/datatypes"
)

// customerSynth derives customer dimension rows from order records, so that
// every orders_fact row has a customers_dim parent even when the pull
// carries no customer batch. Guest orders produce a guest_<order_id> row.
type customerSynth struct {
	source   string
	ids      []string
	byID     map[string]*wdomain.Customer
	lastSeen map[string]time.Time
}

func newCustomerSynth(source string) *customerSynth {
	return &customerSynth{
		source:   source,
		byID:     map[string]*wdomain.Customer{},
		lastSeen: map[string]time.Time{},
	}
}

// observe folds one mapped order into the synthesized rows. The latest order
// per customer wins the last-order reference; the earliest sets first-seen.
func (s *customerSynth) observe(order *wdomain.OrderFact, rec idomain.RawRecord) {
	email, name := contactDetails(rec)

	customer, ok := s.byID[order.CustomerID]
	if !ok {
		firstSeen := order.OrderDate
		customer = &wdomain.Customer{
			CustomerID:  order.CustomerID,
			Email:       email,
			Name:        name,
			FirstSeenAt: &firstSeen,
			LastOrderID: order.OrderID,
			Metadata:    datatypes.JSONMap{"source": s.source},
			ObservedAt:  order.ObservedAt,
		}
		s.byID[order.CustomerID] = customer
		s.lastSeen[order.CustomerID] = order.OrderDate
		s.ids = append(s.ids, order.CustomerID)
		return
	}

	if customer.Email == "" {
		customer.Email = email
	}
	if customer.Name == "" {
		customer.Name = name
	}
	if order.OrderDate.Before(*customer.FirstSeenAt) {
		firstSeen := order.OrderDate
		customer.FirstSeenAt = &firstSeen
	}
	if !order.OrderDate.Before(s.lastSeen[order.CustomerID]) {
		s.lastSeen[order.CustomerID] = order.OrderDate
		customer.LastOrderID = order.OrderID
	}
}

// mergeInto reconciles synthesized rows with explicitly mapped customers.
// Explicit rows win on identity fields; synthesized rows only fill gaps and
// carry the last-order reference.
func (s *customerSynth) mergeInto(out *Result) {
	if len(s.ids) == 0 {
		return
	}
	explicit := make(map[string]*wdomain.Customer, len(out.Customers))
	for _, customer := range out.Customers {
		explicit[customer.CustomerID] = customer
	}
	for _, id := range s.ids {
		synthesized := s.byID[id]
		customer, ok := explicit[id]
		if !ok {
			out.Customers = append(out.Customers, synthesized)
			continue
		}
		customer.LastOrderID = synthesized.LastOrderID
		if customer.Email == "" {
			customer.Email = synthesized.Email
		}
		if customer.Name == "" {
			customer.Name = synthesized.Name
		}
		if customer.FirstSeenAt == nil {
			customer.FirstSeenAt = synthesized.FirstSeenAt
		}
	}
}

// contactDetails probes an order record for the buyer's email and name, in
// the places the known sources put them.
func contactDetails(rec idomain.RawRecord) (email, name string) {
	email = rec.String("email", "customer_email")
	if nested := rec.Map("customer"); nested != nil {
		nestedRec := idomain.RawRecord(nested)
		if email == "" {
			email = nestedRec.String("email")
		}
		name = nestedRec.String("first_name", "name")
	}
	if billing := rec.Map("billing_address", "billing"); billing != nil {
		billingRec := idomain.RawRecord(billing)
		if email == "" {
			email = billingRec.String("email")
		}
		if name == "" {
			name = billingRec.String("name")
		}
	}
	return strings.ToLower(strings.TrimSpace(email)), strings.TrimSpace(name)
}
