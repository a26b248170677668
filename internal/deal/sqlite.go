package deal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/surplusnet/surplusnet/internal/market"
)

// SQLite is the production deal store.
type SQLite struct {
	// OnDecision, when set, observes every recorded approval decision.
	OnDecision DecisionFunc

	conn *sqlx.DB
}

// OpenSQLite opens or creates the deal database at the given path.
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open deal db: %w", err)
	}

	s := &SQLite{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate deal db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bilateral_deals (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		multi_party_id TEXT NOT NULL DEFAULT '',
		deal_json TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS multi_party_deals (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		deal_json TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cross_region_deals (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		deal_json TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bilateral_status ON bilateral_deals(status);
	CREATE INDEX IF NOT EXISTS idx_bilateral_mp ON bilateral_deals(multi_party_id);
	`
	_, err := s.conn.Exec(schema)
	return err
}

func saveBilateralTx(ctx context.Context, tx sqlx.ExtContext, d *market.BilateralDeal) error {
	d.UpdatedAt = time.Now().UTC()
	dealJSON, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode bilateral deal: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO bilateral_deals
		(id, status, multi_party_id, deal_json, updated_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, string(d.Status), d.MultiPartyID, string(dealJSON), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save bilateral deal %s: %w", d.ID, err)
	}
	return nil
}

// SaveBilateral inserts or replaces a bilateral deal.
func (s *SQLite) SaveBilateral(ctx context.Context, d *market.BilateralDeal) error {
	return saveBilateralTx(ctx, s.conn, d)
}

func decodeBilateral(dealJSON string) (*market.BilateralDeal, error) {
	var d market.BilateralDeal
	if err := json.Unmarshal([]byte(dealJSON), &d); err != nil {
		return nil, fmt.Errorf("decode bilateral deal: %w", err)
	}
	return &d, nil
}

// Bilateral returns one bilateral deal by id.
func (s *SQLite) Bilateral(ctx context.Context, id string) (*market.BilateralDeal, error) {
	var dealJSON string
	err := s.conn.GetContext(ctx, &dealJSON, "SELECT deal_json FROM bilateral_deals WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bilateral deal: %w", err)
	}
	return decodeBilateral(dealJSON)
}

// BilateralsByStatus lists bilateral deals in a lifecycle state.
func (s *SQLite) BilateralsByStatus(ctx context.Context, status market.DealStatus) ([]*market.BilateralDeal, error) {
	var rows []string
	err := s.conn.SelectContext(ctx, &rows,
		"SELECT deal_json FROM bilateral_deals WHERE status = ? ORDER BY id", string(status))
	if err != nil {
		return nil, fmt.Errorf("query bilateral deals: %w", err)
	}
	out := make([]*market.BilateralDeal, 0, len(rows))
	for _, dealJSON := range rows {
		d, err := decodeBilateral(dealJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func saveMultiPartyTx(ctx context.Context, tx sqlx.ExtContext, d *market.MultiPartyDeal) error {
	dealJSON, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode multi-party deal: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO multi_party_deals
		(id, status, deal_json, updated_at) VALUES (?, ?, ?, ?)`,
		d.ID, string(d.Status), string(dealJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save multi-party deal %s: %w", d.ID, err)
	}
	return nil
}

// SaveMultiParty inserts or replaces a multi-party deal.
func (s *SQLite) SaveMultiParty(ctx context.Context, d *market.MultiPartyDeal) error {
	return saveMultiPartyTx(ctx, s.conn, d)
}

// MultiParty returns one multi-party deal by id.
func (s *SQLite) MultiParty(ctx context.Context, id string) (*market.MultiPartyDeal, error) {
	var dealJSON string
	err := s.conn.GetContext(ctx, &dealJSON, "SELECT deal_json FROM multi_party_deals WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get multi-party deal: %w", err)
	}
	var d market.MultiPartyDeal
	if err := json.Unmarshal([]byte(dealJSON), &d); err != nil {
		return nil, fmt.Errorf("decode multi-party deal: %w", err)
	}
	return &d, nil
}

// MultiParties lists every multi-party deal.
func (s *SQLite) MultiParties(ctx context.Context) ([]*market.MultiPartyDeal, error) {
	var rows []string
	if err := s.conn.SelectContext(ctx, &rows,
		"SELECT deal_json FROM multi_party_deals ORDER BY id"); err != nil {
		return nil, fmt.Errorf("query multi-party deals: %w", err)
	}
	out := make([]*market.MultiPartyDeal, 0, len(rows))
	for _, dealJSON := range rows {
		var d market.MultiPartyDeal
		if err := json.Unmarshal([]byte(dealJSON), &d); err != nil {
			return nil, fmt.Errorf("decode multi-party deal: %w", err)
		}
		out = append(out, &d)
	}
	return out, nil
}

// RecordApproval registers one organization's decision inside a transaction,
// so the final approval and the activation of every child deal land together.
func (s *SQLite) RecordApproval(ctx context.Context, dealID, orgID string, approved bool) (*market.MultiPartyDeal, error) {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var dealJSON string
	err = tx.GetContext(ctx, &dealJSON, "SELECT deal_json FROM multi_party_deals WHERE id = ?", dealID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get multi-party deal: %w", err)
	}
	var d market.MultiPartyDeal
	if err := json.Unmarshal([]byte(dealJSON), &d); err != nil {
		return nil, fmt.Errorf("decode multi-party deal: %w", err)
	}

	var childJSONs []string
	if err := tx.SelectContext(ctx, &childJSONs,
		"SELECT deal_json FROM bilateral_deals WHERE multi_party_id = ?", dealID); err != nil {
		return nil, fmt.Errorf("query child deals: %w", err)
	}
	children := make([]*market.BilateralDeal, 0, len(childJSONs))
	for _, cj := range childJSONs {
		c, err := decodeBilateral(cj)
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}

	if err := applyApproval(&d, children, orgID, approved, slices.Contains(d.OrgIDs, orgID)); err != nil {
		return nil, err
	}

	if err := saveMultiPartyTx(ctx, tx, &d); err != nil {
		return nil, err
	}
	for _, c := range children {
		if err := saveBilateralTx(ctx, tx, c); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if s.OnDecision != nil {
		s.OnDecision(ctx, &d, orgID, approved)
	}
	return &d, nil
}

// SaveCrossRegion inserts or replaces a cross-region deal.
func (s *SQLite) SaveCrossRegion(ctx context.Context, d *market.CrossRegionDeal) error {
	dealJSON, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode cross-region deal: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `INSERT OR REPLACE INTO cross_region_deals
		(id, status, deal_json, updated_at) VALUES (?, ?, ?, ?)`,
		d.ID, string(d.Status), string(dealJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save cross-region deal %s: %w", d.ID, err)
	}
	return nil
}

// CrossRegions lists every cross-region deal.
func (s *SQLite) CrossRegions(ctx context.Context) ([]*market.CrossRegionDeal, error) {
	var rows []string
	if err := s.conn.SelectContext(ctx, &rows,
		"SELECT deal_json FROM cross_region_deals ORDER BY id"); err != nil {
		return nil, fmt.Errorf("query cross-region deals: %w", err)
	}
	out := make([]*market.CrossRegionDeal, 0, len(rows))
	for _, dealJSON := range rows {
		var d market.CrossRegionDeal
		if err := json.Unmarshal([]byte(dealJSON), &d); err != nil {
			return nil, fmt.Errorf("decode cross-region deal: %w", err)
		}
		out = append(out, &d)
	}
	return out, nil
}
