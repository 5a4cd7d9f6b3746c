// Package steps implements the fulfillment steps the saga coordinator drives and the
// compensator that undoes what they commit.
package steps

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config holds per-step budgets. It is passed explicitly to every constructor.
type Config struct {
	ReserveTimeout  time.Duration
	PaymentTimeout  time.Duration
	ShippingTimeout time.Duration
	NotifyTimeout   time.Duration
}

// DefaultConfig returns the production budgets.
func DefaultConfig() Config {
	return Config{
		ReserveTimeout:  60 * time.Second,
		PaymentTimeout:  30 * time.Second,
		ShippingTimeout: 30 * time.Second,
		NotifyTimeout:   30 * time.Second,
	}
}

var idNamespace = uuid.MustParse("6f1c2a4e-8d53-4b8e-9a51-3c0e2f7d9b10")

// stableID derives the same id for the same order and purpose on every attempt.
func stableID(orderID, purpose string, index int) string {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s/%s/%d", orderID, purpose, index))).String()
}
