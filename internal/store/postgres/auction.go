package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

const insertAuction = `INSERT INTO auctions (
	id, seller_ref, title, stage, opening_price, reserve_price, min_increment,
	scheduled_start, scheduled_end, current_end, extension_window_ms, extension_duration_ms,
	extension_cap, extension_count, current_price, leader_ref, leader_bid_id, seq, created_at, updated_at
) VALUES (
	:id, :seller_ref, :title, :stage, :opening_price, :reserve_price, :min_increment,
	:scheduled_start, :scheduled_end, :current_end, :extension_window_ms, :extension_duration_ms,
	:extension_cap, :extension_count, :current_price, :leader_ref, :leader_bid_id, :seq, :created_at, :updated_at
)`

const updateAuction = `UPDATE auctions SET
	stage = $1, current_end = $2, extension_count = $3, current_price = $4,
	leader_ref = $5, leader_bid_id = $6, final_price = $7, winner_ref = $8,
	reserve_met = $9, platform_fee = $10, net_proceeds = $11, seq = $12,
	updated_at = $13, closed_at = $14
	WHERE id = $15 AND seq = $16`

const insertBid = `INSERT INTO bids (id, auction_id, bidder_ref, amount, proxy_ceiling, submitted_at, status, seq)
	VALUES (:id, :auction_id, :bidder_ref, :amount, :proxy_ceiling, :submitted_at, :status, :seq)`

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) ListActive(ctx context.Context) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE stage = ANY($1) ORDER BY created_at ASC`,
		pq.Array(store.ActiveStages))
	if err != nil {
		return nil, fmt.Errorf("listing active auctions: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) Commit(ctx context.Context, c *store.Commit) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.clock.Now().UTC()
	a := c.Auction
	a.UpdatedAt = now

	if c.Create {
		a.CreatedAt = now
		if _, err := tx.NamedExecContext(ctx, insertAuction, &a); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("inserting auction %s: %w", a.ID, store.ErrVersionConflict)
			}
			return fmt.Errorf("inserting auction: %w", err)
		}
	} else {
		result, err := tx.ExecContext(ctx, updateAuction,
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

	for i := range c.NewBids {
		if _, err := tx.NamedExecContext(ctx, insertBid, &c.NewBids[i]); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("inserting bid %s: %w", c.NewBids[i].ID, store.ErrVersionConflict)
			}
			return fmt.Errorf("inserting bid: %w", err)
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

	for _, e := range c.Events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (aggregate_id, type, data, version, created_at) VALUES ($1, $2, $3, $4, $5)`,
			e.AggregateID, e.Type, string(e.Data), e.Version, e.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("inserting event (aggregate=%s, version=%d): %w", e.AggregateID, e.Version, store.ErrVersionConflict)
			}
			return fmt.Errorf("inserting event (aggregate=%s, version=%d): %w", e.AggregateID, e.Version, err)
		}
	}

	return tx.Commit()
}
