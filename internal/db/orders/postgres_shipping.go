package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment/internal/fault"
	"fulfillment/internal/orders"

	"github.com/google/uuid"
)

// PostgresShippingClient books shipments in Postgres, idempotent per shipment id.
type PostgresShippingClient struct {
	db      *sql.DB
	carrier string
	// Unserviceable countries have no carrier.
	Unserviceable map[string]bool
}

// NewPostgresShippingClient constructs a ShippingClient that books with carrier.
func NewPostgresShippingClient(db *sql.DB, carrier string) *PostgresShippingClient {
	if carrier == "" {
		carrier = "standard"
	}
	return &PostgresShippingClient{db: db, carrier: carrier, Unserviceable: map[string]bool{}}
}

// NewPostgresShippingClientWithSchema initializes the schema then returns the client.
func NewPostgresShippingClientWithSchema(ctx context.Context, db *sql.DB, carrier string) (*PostgresShippingClient, error) {
	client := NewPostgresShippingClient(db, carrier)
	if err := client.InitSchema(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (s *PostgresShippingClient) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS shipments (
			shipment_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			carrier TEXT NOT NULL,
			tracking_number TEXT NOT NULL,
			allocated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			cancelled_at TIMESTAMPTZ
		)
	`)
	return err
}

// Allocate books a carrier for o. A repeated shipment id returns the original booking.
func (s *PostgresShippingClient) Allocate(ctx context.Context, shipmentID string, o orders.Order) (orders.Shipment, error) {
	if shipmentID == "" {
		return orders.Shipment{}, fault.Validation("shipment id required")
	}

	existing, ok, err := s.lookup(ctx, shipmentID)
	if err != nil {
		return orders.Shipment{}, err
	}
	if ok {
		return existing, nil
	}
	if s.Unserviceable[o.ShippingAddress.Country] {
		return orders.Shipment{}, fmt.Errorf("country %q: %w", o.ShippingAddress.Country, orders.ErrNoCarrier)
	}

	tracking := "TRK-" + uuid.NewString()[:8]
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO shipments (shipment_id, order_id, carrier, tracking_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (shipment_id) DO NOTHING`,
		shipmentID, o.ID, s.carrier, tracking,
	); err != nil {
		return orders.Shipment{}, transient(err)
	}

	// A concurrent allocation may have won the insert; read back whichever row stuck.
	stored, ok, err := s.lookup(ctx, shipmentID)
	if err != nil {
		return orders.Shipment{}, err
	}
	if !ok {
		return orders.Shipment{}, fault.Transient("shipment %s not found after insert", shipmentID)
	}
	return stored, nil
}

// Cancel releases the booking. Unknown or already cancelled shipments are a no-op.
func (s *PostgresShippingClient) Cancel(ctx context.Context, shipmentID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE shipments SET cancelled_at = NOW()
		WHERE shipment_id = $1 AND cancelled_at IS NULL`,
		shipmentID,
	); err != nil {
		return transient(err)
	}
	return nil
}

func (s *PostgresShippingClient) lookup(ctx context.Context, shipmentID string) (orders.Shipment, bool, error) {
	sh := orders.Shipment{ShipmentID: shipmentID}
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, carrier, tracking_number FROM shipments WHERE shipment_id = $1`,
		shipmentID,
	).Scan(&sh.OrderID, &sh.Carrier, &sh.TrackingNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Shipment{}, false, nil
	}
	if err != nil {
		return orders.Shipment{}, false, transient(err)
	}
	return sh, true, nil
}
