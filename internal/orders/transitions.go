package orders

import (
	"fmt"

	"github.com/jogardn/pios-pos/pkg/models"
)

var transitionMap = map[models.OrderStatus][]models.OrderStatus{
	models.StatusPending:         {models.StatusInPreparation, models.StatusReady, models.StatusDelivered, models.StatusAwaitingPayment, models.StatusPaid},
	models.StatusInPreparation:   {models.StatusReady, models.StatusDelivered, models.StatusAwaitingPayment, models.StatusPaid},
	models.StatusReady:           {models.StatusDelivered, models.StatusAwaitingPayment, models.StatusPaid},
	models.StatusDelivered:       {models.StatusAwaitingPayment, models.StatusPaid},
	models.StatusAwaitingPayment: {models.StatusPaid},
}

// ValidTransition reports whether an order may move from one status to
// another. Paid orders never move; reopening is left to remote writers.
func ValidTransition(from, to models.OrderStatus) bool {
	if from == to {
		return from != models.StatusPaid
	}
	for _, status := range transitionMap[from] {
		if status == to {
			return true
		}
	}
	return false
}

func ValidateTransition(from, to models.OrderStatus) error {
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
