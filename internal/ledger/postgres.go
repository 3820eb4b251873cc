package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-bidding/internal/models"
)

// PostgresStore implements Store over postgres via sqlx. The same methods
// run either on the pooled connection or, inside WithRideLock, on a
// transaction that holds a row lock on the ride.
type PostgresStore struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, ext: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	query := `
        INSERT INTO rides (id, rider_id, status)
        VALUES ($1, $2, $3)
        RETURNING created_at, updated_at`
	return p.ext.QueryRowxContext(ctx, query, r.ID, r.RiderID, r.Status).
		Scan(&r.CreatedAt, &r.UpdatedAt)
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r := &models.Ride{}
	err := sqlx.GetContext(ctx, p.ext, r, `SELECT * FROM rides WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateRideStatus(ctx context.Context, id, status string, f *RideFields) error {
	var res sql.Result
	var err error
	switch {
	case f == nil:
		res, err = p.ext.ExecContext(ctx,
			`UPDATE rides SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	case f.SetAssignment && f.SetPaymentRef:
		res, err = p.ext.ExecContext(ctx, `
            UPDATE rides
            SET status=$1, assigned_driver_id=$2, final_price_cents=$3, payment_ref=$4, updated_at=NOW()
            WHERE id=$5`,
			status, f.AssignedDriverID, f.FinalPriceCents, f.PaymentRef, id)
	case f.SetAssignment:
		res, err = p.ext.ExecContext(ctx, `
            UPDATE rides
            SET status=$1, assigned_driver_id=$2, final_price_cents=$3, updated_at=NOW()
            WHERE id=$4`,
			status, f.AssignedDriverID, f.FinalPriceCents, id)
	case f.SetPaymentRef:
		res, err = p.ext.ExecContext(ctx, `
            UPDATE rides SET status=$1, payment_ref=$2, updated_at=NOW() WHERE id=$3`,
			status, f.PaymentRef, id)
	default:
		res, err = p.ext.ExecContext(ctx,
			`UPDATE rides SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (p *PostgresStore) InsertBid(ctx context.Context, b *models.Bid) error {
	query := `
        INSERT INTO bids (id, ride_id, driver_id, amount_cents, notes, status, counter_party)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING created_at, updated_at`
	err := p.ext.QueryRowxContext(ctx, query,
		b.ID, b.RideID, b.DriverID, b.AmountCents, b.Notes, b.Status, b.CounterParty).
		Scan(&b.CreatedAt, &b.UpdatedAt)
	return mapPQError(err)
}

func (p *PostgresStore) InsertCounterBid(ctx context.Context, child *models.Bid, parentID, parentStatus string) error {
	run := func(ext sqlx.ExtContext) error {
		// Closing the parent first keeps the one-open-row-per-thread
		// constraint satisfied when the child lands.
		res, err := ext.ExecContext(ctx, `
            UPDATE bids SET status=$1, updated_at=NOW()
            WHERE id=$2 AND status IN ('pending','selected')`,
			parentStatus, parentID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}
		query := `
            INSERT INTO bids (id, ride_id, driver_id, amount_cents, notes, status, counter_party, parent_bid_id)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
            RETURNING created_at, updated_at`
		err = ext.QueryRowxContext(ctx, query,
			child.ID, child.RideID, child.DriverID, child.AmountCents, child.Notes,
			child.Status, child.CounterParty, child.ParentBidID).
			Scan(&child.CreatedAt, &child.UpdatedAt)
		return mapPQError(err)
	}

	// Already inside a ride-scoped transaction: reuse it.
	if _, ok := p.ext.(*sqlx.Tx); ok {
		return run(p.ext)
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := run(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetBid(ctx context.Context, id string) (*models.Bid, error) {
	b := &models.Bid{}
	err := sqlx.GetContext(ctx, p.ext, b, `SELECT * FROM bids WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) SetBidStatus(ctx context.Context, id, status string) error {
	res, err := p.ext.ExecContext(ctx,
		`UPDATE bids SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (p *PostgresStore) ListBidsByRide(ctx context.Context, rideID string) ([]models.Bid, error) {
	bids := []models.Bid{}
	err := sqlx.SelectContext(ctx, p.ext, &bids,
		`SELECT * FROM bids WHERE ride_id=$1 ORDER BY created_at ASC`, rideID)
	return bids, err
}

func (p *PostgresStore) ListBidsByDriver(ctx context.Context, driverID string) ([]models.Bid, error) {
	bids := []models.Bid{}
	err := sqlx.SelectContext(ctx, p.ext, &bids,
		`SELECT * FROM bids WHERE driver_id=$1 ORDER BY created_at DESC`, driverID)
	return bids, err
}

func (p *PostgresStore) ThreadHead(ctx context.Context, rideID, driverID string) (*models.Bid, error) {
	b := &models.Bid{}
	err := sqlx.GetContext(ctx, p.ext, b, `
        SELECT b.* FROM bids b
        WHERE b.ride_id=$1 AND b.driver_id=$2
          AND NOT EXISTS (SELECT 1 FROM bids c WHERE c.parent_bid_id = b.id)
        ORDER BY b.created_at DESC
        LIMIT 1`, rideID, driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) Ancestry(ctx context.Context, bidID string) ([]models.Bid, error) {
	bids := []models.Bid{}
	err := sqlx.SelectContext(ctx, p.ext, &bids, `
        WITH RECURSIVE chain AS (
            SELECT * FROM bids WHERE id=$1
            UNION ALL
            SELECT b.* FROM bids b JOIN chain c ON b.id = c.parent_bid_id
        )
        SELECT * FROM chain ORDER BY created_at ASC`, bidID)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return nil, ErrNotFound
	}
	return bids, nil
}

func (p *PostgresStore) RejectOpenBids(ctx context.Context, rideID, exceptID string) ([]models.Bid, error) {
	bids := []models.Bid{}
	query, args := rejectOpenBidsQuery(rideID, exceptID)
	err := sqlx.SelectContext(ctx, p.ext, &bids, query, args...)
	return bids, err
}

// rejectOpenBidsQuery drops the id comparison when no bid is spared. The id
// column is uuid; binding "" against it fails before the query runs.
func rejectOpenBidsQuery(rideID, exceptID string) (string, []any) {
	if exceptID == "" {
		return `
        UPDATE bids SET status='rejected', updated_at=NOW()
        WHERE ride_id=$1 AND status IN ('pending','selected')
        RETURNING *`, []any{rideID}
	}
	return `
        UPDATE bids SET status='rejected', updated_at=NOW()
        WHERE ride_id=$1 AND status IN ('pending','selected') AND id <> $2
        RETURNING *`, []any{rideID, exceptID}
}

func (p *PostgresStore) RideSummaries(ctx context.Context, rideID string) ([]models.RideBidSummary, error) {
	out := []models.RideBidSummary{}
	err := sqlx.SelectContext(ctx, p.ext, &out, `
        SELECT ride_id, driver_id, bid_id, amount_cents, status, counter_party, rounds, created_at
        FROM (
            SELECT ride_id, driver_id, id AS bid_id, amount_cents, status, counter_party, created_at,
                   COUNT(*) OVER (PARTITION BY driver_id)::int AS rounds,
                   ROW_NUMBER() OVER (PARTITION BY driver_id ORDER BY created_at DESC) AS rn
            FROM bids WHERE ride_id=$1
        ) heads
        WHERE rn = 1
        ORDER BY created_at DESC`, rideID)
	return out, err
}

// WithRideLock opens a transaction and takes a row lock on the ride, making
// the validate/accept/reject/update sequence exclusive per ride.
func (p *PostgresStore) WithRideLock(ctx context.Context, rideID string, fn func(Store) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	var id string
	if err := tx.QueryRowxContext(ctx,
		`SELECT id FROM rides WHERE id=$1 FOR UPDATE`, rideID).Scan(&id); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if err := fn(&PostgresStore{db: p.db, ext: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	return err
}
