package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// AuctionRepo implements store.AuctionRepository using database/sql.
type AuctionRepo struct {
	db    *sql.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sql.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

const auctionColumns = `id, seller_ref, title, stage, opening_price, reserve_price, min_increment,
	scheduled_start, scheduled_end, current_end, extension_window_ms, extension_duration_ms,
	extension_cap, extension_count, current_price, leader_ref, leader_bid_id,
	final_price, winner_ref, reserve_met, platform_fee, net_proceeds,
	seq, created_at, updated_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(s rowScanner) (store.Auction, error) {
	var (
		a       store.Auction
		reserve sql.NullInt64
		extCap  sql.NullInt32
	)
	err := s.Scan(
		&a.ID, &a.SellerRef, &a.Title, &a.Stage, &a.OpeningPrice, &reserve, &a.MinIncrement,
		&a.ScheduledStart, &a.ScheduledEnd, &a.CurrentEnd, &a.ExtensionWindowMS, &a.ExtensionDurationMS,
		&extCap, &a.ExtensionCount, &a.CurrentPrice, &a.LeaderRef, &a.LeaderBidID,
		&a.FinalPrice, &a.WinnerRef, &a.ReserveMet, &a.PlatformFee, &a.NetProceeds,
		&a.Seq, &a.CreatedAt, &a.UpdatedAt, &a.ClosedAt,
	)
	if err != nil {
		return a, err
	}
	if reserve.Valid {
		a.ReservePrice = &reserve.Int64
	}
	if extCap.Valid {
		n := int(extCap.Int32)
		a.ExtensionCap = &n
	}
	return a, nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	a, err := scanAuction(r.db.QueryRowContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) ListActive(ctx context.Context) ([]store.Auction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE stage = ANY($1) ORDER BY created_at ASC`,
		pq.Array(store.ActiveStages))
	if err != nil {
		return nil, fmt.Errorf("listing active auctions: %w", err)
	}
	defer rows.Close()

	var auctions []store.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning auction row: %w", err)
		}
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}

func (r *AuctionRepo) Commit(ctx context.Context, c *store.Commit) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.clock.Now().UTC()
	a := c.Auction
	a.UpdatedAt = now

	if c.Create {
		a.CreatedAt = now
		_, err := tx.ExecContext(ctx,
			`INSERT INTO auctions (`+auctionColumns+`) VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			 $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
			a.ID, a.SellerRef, a.Title, a.Stage, a.OpeningPrice, a.ReservePrice, a.MinIncrement,
			a.ScheduledStart, a.ScheduledEnd, a.CurrentEnd, a.ExtensionWindowMS, a.ExtensionDurationMS,
			a.ExtensionCap, a.ExtensionCount, a.CurrentPrice, a.LeaderRef, a.LeaderBidID,
			a.FinalPrice, a.WinnerRef, a.ReserveMet, a.PlatformFee, a.NetProceeds,
			a.Seq, a.CreatedAt, a.UpdatedAt, a.ClosedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("inserting auction %s: %w", a.ID, store.ErrVersionConflict)
			}
			return fmt.Errorf("inserting auction: %w", err)
		}
	} else {
		result, err := tx.ExecContext(ctx,
			`UPDATE auctions SET
				stage = $1, current_end = $2, extension_count = $3, current_price = $4,
				leader_ref = $5, leader_bid_id = $6, final_price = $7, winner_ref = $8,
				reserve_met = $9, platform_fee = $10, net_proceeds = $11, seq = $12,
				updated_at = $13, closed_at = $14
			 WHERE id = $15 AND seq = $16`,
			a.Stage, a.CurrentEnd, a.ExtensionCount, a.CurrentPrice,
			a.LeaderRef, a.LeaderBidID, a.FinalPrice, a.WinnerRef,
			a.ReserveMet, a.PlatformFee, a.NetProceeds, a.Seq,
			a.UpdatedAt, a.ClosedAt,
			a.ID, c.ExpectedSeq,
		)
		if err != nil {
			return fmt.Errorf("updating auction: %w", err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return fmt.Errorf("auction %s at seq %d: %w", a.ID, c.ExpectedSeq, store.ErrVersionConflict)
		}
	}

	if len(c.NewBids) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO bids (id, auction_id, bidder_ref, amount, proxy_ceiling, submitted_at, status, seq)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer stmt.Close()
		for _, b := range c.NewBids {
			if _, err := stmt.ExecContext(ctx, b.ID, b.AuctionID, b.BidderRef, b.Amount, b.ProxyCeiling, b.SubmittedAt, b.Status, b.Seq); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("inserting bid %s: %w", b.ID, store.ErrVersionConflict)
				}
				return fmt.Errorf("inserting bid: %w", err)
			}
		}
	}

	for _, sc := range c.StatusChanges {
		result, err := tx.ExecContext(ctx,
			`UPDATE bids SET status = $1 WHERE id = $2 AND status = $3`,
			sc.To, sc.BidID, sc.From)
		if err != nil {
			return fmt.Errorf("updating bid status: %w", err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return fmt.Errorf("bid %s is no longer %s: %w", sc.BidID, sc.From, store.ErrVersionConflict)
		}
	}

	if len(c.Events) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO events (aggregate_id, type, data, version, created_at) VALUES ($1, $2, $3, $4, $5)`)
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer stmt.Close()
		for _, e := range c.Events {
			if _, err := stmt.ExecContext(ctx, e.AggregateID, e.Type, string(e.Data), e.Version, e.CreatedAt); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("inserting event (aggregate=%s, version=%d): %w", e.AggregateID, e.Version, store.ErrVersionConflict)
				}
				return fmt.Errorf("inserting event (aggregate=%s, version=%d): %w", e.AggregateID, e.Version, err)
			}
		}
	}

	return tx.Commit()
}
