package normalize

import (
	"strings"
	"time"

	"github.com/merchlytics/merchlytics/internal/config"
	wdomain "github.com/merchlytics/merchlytics/internal/warehouse/domain"
)

const (
	weightHighValue       = 0.30
	weightDisposableEmail = 0.30
	weightCountryMismatch = 0.20
	weightVelocity        = 0.10
	weightMissingIdentity = 0.10
)

// FraudScorer computes a deterministic risk score in [0, 1] from order
// attributes. It holds no state beyond configuration; callers supply the
// customer's recent order history for the velocity signal.
type FraudScorer struct {
	cfg config.FraudConfig
}

func NewFraudScorer(cfg config.FraudConfig) *FraudScorer {
	return &FraudScorer{cfg: cfg}
}

// Score evaluates one order. recentOrders are the customer's prior order
// dates; email is the customer's email when known.
func (s *FraudScorer) Score(order *wdomain.OrderFact, email string, recentOrders []time.Time) float64 {
	var score float64

	if order.TotalCents >= s.cfg.HighValueThresholdCents {
		score += weightHighValue
	}
	if s.countryMismatch(order) {
		score += weightCountryMismatch
	}
	if s.disposableEmail(email) {
		score += weightDisposableEmail
	}
	if order.CustomerID == "" && strings.TrimSpace(email) == "" {
		score += weightMissingIdentity
	}
	if s.velocityExceeded(order.OrderDate, recentOrders) {
		score += weightVelocity
	}
	return score
}

// Flagged reports whether the score crosses the configured threshold.
func (s *FraudScorer) Flagged(score float64) bool {
	return score >= s.cfg.FlagThreshold
}

func (s *FraudScorer) countryMismatch(order *wdomain.OrderFact) bool {
	shipping := country(order.ShippingAddress)
	billing := country(order.BillingAddress)
	return shipping != "" && billing != "" && shipping != billing
}

func (s *FraudScorer) disposableEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(strings.TrimSpace(email[at+1:]))
	for _, suspicious := range s.cfg.SuspiciousEmailDomains {
		if domain == strings.ToLower(suspicious) {
			return true
		}
	}
	return false
}

func (s *FraudScorer) velocityExceeded(orderDate time.Time, recentOrders []time.Time) bool {
	windowStart := orderDate.Add(-s.cfg.VelocityWindow)
	count := 0
	for _, prior := range recentOrders {
		if !prior.Before(windowStart) && !prior.After(orderDate) {
			count++
		}
	}
	return count >= s.cfg.VelocityLimit
}

func country(address map[string]any) string {
	if address == nil {
		return ""
	}
	for _, key := range []string{"country", "country_code"} {
		if v, ok := address[key].(string); ok && v != "" {
			return strings.ToUpper(strings.TrimSpace(v))
		}
	}
	return ""
}
