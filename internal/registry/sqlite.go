package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/surplusnet/surplusnet/internal/market"
)

// SQLite is the production registry.
type SQLite struct {
	conn *sqlx.DB
}

// OpenSQLite opens or creates the registry database at the given path.
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	s := &SQLite{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate registry db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		region TEXT NOT NULL,
		status TEXT NOT NULL,
		constraints_json TEXT NOT NULL,
		performance_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		region TEXT NOT NULL,
		city TEXT NOT NULL,
		profile_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_role_status ON agents(role, status);
	CREATE INDEX IF NOT EXISTS idx_orgs_region ON organizations(region);
	`
	_, err := s.conn.Exec(schema)
	return err
}

type agentRow struct {
	ID              string    `db:"id"`
	OrgID           string    `db:"org_id"`
	Name            string    `db:"name"`
	Role            string    `db:"role"`
	Region          string    `db:"region"`
	Status          string    `db:"status"`
	ConstraintsJSON string    `db:"constraints_json"`
	PerformanceJSON string    `db:"performance_json"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r agentRow) toAgent() (*market.Agent, error) {
	a := &market.Agent{
		ID:        r.ID,
		OrgID:     r.OrgID,
		Name:      r.Name,
		Role:      market.Role(r.Role),
		Region:    r.Region,
		Status:    market.AgentStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.ConstraintsJSON), &a.Constraints); err != nil {
		return nil, fmt.Errorf("decode agent %s constraints: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.PerformanceJSON), &a.Performance); err != nil {
		return nil, fmt.Errorf("decode agent %s performance: %w", r.ID, err)
	}
	return a, nil
}

func (s *SQLite) selectAgents(ctx context.Context, q string, args ...any) ([]*market.Agent, error) {
	var rows []agentRow
	if err := s.conn.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	out := make([]*market.Agent, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ActiveAgents lists every agent with status active.
func (s *SQLite) ActiveAgents(ctx context.Context) ([]*market.Agent, error) {
	return s.selectAgents(ctx,
		"SELECT * FROM agents WHERE status = ? ORDER BY created_at", string(market.AgentActive))
}

// AgentsByRole lists active agents with the given role.
func (s *SQLite) AgentsByRole(ctx context.Context, role market.Role) ([]*market.Agent, error) {
	return s.selectAgents(ctx,
		"SELECT * FROM agents WHERE status = ? AND role = ? ORDER BY created_at",
		string(market.AgentActive), string(role))
}

// Agent returns one agent by id.
func (s *SQLite) Agent(ctx context.Context, id string) (*market.Agent, error) {
	var row agentRow
	err := s.conn.GetContext(ctx, &row, "SELECT * FROM agents WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return row.toAgent()
}

// SaveAgent inserts or replaces an agent.
func (s *SQLite) SaveAgent(ctx context.Context, a *market.Agent) error {
	constraintsJSON, err := json.Marshal(a.Constraints)
	if err != nil {
		return fmt.Errorf("encode constraints: %w", err)
	}
	performanceJSON, err := json.Marshal(a.Performance)
	if err != nil {
		return fmt.Errorf("encode performance: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = time.Now().UTC()

	_, err = s.conn.ExecContext(ctx, `INSERT OR REPLACE INTO agents
		(id, org_id, name, role, region, status, constraints_json, performance_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrgID, a.Name, string(a.Role), a.Region, string(a.Status),
		string(constraintsJSON), string(performanceJSON), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

type orgRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Region      string `db:"region"`
	City        string `db:"city"`
	ProfileJSON string `db:"profile_json"`
}

func (r orgRow) toOrg() (*market.Organization, error) {
	o := &market.Organization{}
	if err := json.Unmarshal([]byte(r.ProfileJSON), o); err != nil {
		return nil, fmt.Errorf("decode organization %s: %w", r.ID, err)
	}
	o.ID = r.ID
	o.Name = r.Name
	o.Region = r.Region
	o.City = r.City
	return o, nil
}

// Organization returns one organization by id.
func (s *SQLite) Organization(ctx context.Context, id string) (*market.Organization, error) {
	var row orgRow
	err := s.conn.GetContext(ctx, &row, "SELECT * FROM organizations WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return row.toOrg()
}

// OrganizationForAgent resolves an agent's organization.
func (s *SQLite) OrganizationForAgent(ctx context.Context, agentID string) (*market.Organization, error) {
	a, err := s.Agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.Organization(ctx, a.OrgID)
}

// OrganizationsInRegion lists organizations located in a region.
func (s *SQLite) OrganizationsInRegion(ctx context.Context, region string) ([]*market.Organization, error) {
	q := "SELECT * FROM organizations"
	var args []any
	if region != "" {
		q += " WHERE region = ?"
		args = append(args, region)
	}
	q += " ORDER BY id"

	var rows []orgRow
	if err := s.conn.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("query organizations: %w", err)
	}
	out := make([]*market.Organization, 0, len(rows))
	for _, r := range rows {
		o, err := r.toOrg()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// SaveOrganization inserts or replaces an organization.
func (s *SQLite) SaveOrganization(ctx context.Context, o *market.Organization) error {
	profileJSON, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode organization: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `INSERT OR REPLACE INTO organizations
		(id, name, region, city, profile_json) VALUES (?, ?, ?, ?, ?)`,
		o.ID, o.Name, o.Region, o.City, string(profileJSON),
	)
	if err != nil {
		return fmt.Errorf("save organization %s: %w", o.ID, err)
	}
	return nil
}
