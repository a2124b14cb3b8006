package normalize

import (
	wdomain "github.com/merchlytics/merchlytics/internal/warehouse/domain"
)

// RecomputeCLV returns lifetime value per customer as a full recompute over
// stored history plus the current batch. A batch order with the same order ID
// as a history row replaces it, so replaying a batch never double counts.
func RecomputeCLV(history []wdomain.CustomerOrderTotal, batch []*wdomain.OrderFact) map[string]int64 {
	totalsByOrder := make(map[string]wdomain.CustomerOrderTotal, len(history)+len(batch))
	for _, row := range history {
		totalsByOrder[row.OrderID] = row
	}
	for _, order := range batch {
		if order.CustomerID == "" {
			continue
		}
		totalsByOrder[order.OrderID] = wdomain.CustomerOrderTotal{
			CustomerID: order.CustomerID,
			OrderID:    order.OrderID,
			TotalCents: order.TotalCents,
		}
	}

	clv := make(map[string]int64)
	for _, row := range totalsByOrder {
		clv[row.CustomerID] += row.TotalCents
	}
	return clv
}
