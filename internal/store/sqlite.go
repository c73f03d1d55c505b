// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent and metrics persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// foreign_keys and busy_timeout are per-connection, so they go in the DSN
	// where every pooled connection picks them up.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			uuid TEXT PRIMARY KEY,
			alias TEXT,
			ipv4_address TEXT,
			ipv6_address TEXT,
			last_seen TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			system_info TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('online', 'offline', 'disconnected'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS system_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_uuid TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			cpu_usage REAL,
			memory_used INTEGER,
			memory_total INTEGER,
			disk_used INTEGER,
			disk_total INTEGER,
			network_in INTEGER,
			network_out INTEGER,
			tcp_connections INTEGER,
			udp_connections INTEGER,
			uptime REAL,
			FOREIGN KEY (agent_uuid) REFERENCES agents(uuid) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_system_metrics_timestamp ON system_metrics(timestamp);
		CREATE INDEX IF NOT EXISTS idx_system_metrics_agent ON system_metrics(agent_uuid);

		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_uuid TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 1,
			config TEXT,
			result TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			FOREIGN KEY (agent_uuid) REFERENCES agents(uuid) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_uuid);
		CREATE INDEX IF NOT EXISTS idx_tasks_agent_pending
			ON tasks(agent_uuid, status, priority DESC, created_at ASC);

		CREATE TABLE IF NOT EXISTS task_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema. SQLite has
// no ADD COLUMN IF NOT EXISTS, so each one is checked first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agents",
			column: "alias",
			apply:  `ALTER TABLE agents ADD COLUMN alias TEXT`,
		},
		{
			table:  "agents",
			column: "system_info",
			apply:  `ALTER TABLE agents ADD COLUMN system_info TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertAgent inserts a new agent or refreshes identity fields on an existing one.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *AgentRecord) error {
	query := `
		INSERT INTO agents (uuid, alias, ipv4_address, ipv6_address, status, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			alias = COALESCE(excluded.alias, agents.alias),
			ipv4_address = excluded.ipv4_address,
			ipv6_address = excluded.ipv6_address,
			status = excluded.status,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, query,
		agent.UUID,
		nullString(agent.Alias),
		nullString(agent.IPv4Address),
		nullString(agent.IPv6Address),
		agent.Status,
		agent.LastSeen.UTC().Format(time.RFC3339),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("upserted agent", "uuid", agent.UUID, "status", agent.Status)
	return nil
}

// GetAgent retrieves an agent by UUID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, uuid string) (*AgentRecord, error) {
	query := `
		SELECT uuid, alias, ipv4_address, ipv6_address, status, last_seen, system_info, created_at, updated_at
		FROM agents
		WHERE uuid = ?
	`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns every stored agent ordered by UUID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	query := `
		SELECT uuid, alias, ipv4_address, ipv6_address, status, last_seen, system_info, created_at, updated_at
		FROM agents
		ORDER BY uuid
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}

	return agents, nil
}

// UpdateAgentStatus sets status and last_seen.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, uuid, status string, lastSeen time.Time) error {
	query := `UPDATE agents SET status = ?, last_seen = ?, updated_at = ? WHERE uuid = ?`

	result, err := s.db.ExecContext(ctx, query,
		status,
		lastSeen.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		uuid,
	)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	return requireRow(result)
}

// UpdateAgentSystemInfo stores the latest metrics snapshot as an opaque blob.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgentSystemInfo(ctx context.Context, uuid string, info json.RawMessage, lastSeen time.Time) error {
	query := `UPDATE agents SET system_info = ?, last_seen = ?, updated_at = ? WHERE uuid = ?`

	result, err := s.db.ExecContext(ctx, query,
		nullJSON(info),
		lastSeen.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		uuid,
	)
	if err != nil {
		return fmt.Errorf("updating agent system info: %w", err)
	}
	return requireRow(result)
}

// DeleteAgent removes an agent. Its tasks, task logs and metrics cascade.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, uuid string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}

	s.logger.Debug("deleted agent", "uuid", uuid)
	return nil
}

// InsertSystemMetric appends one metrics row.
func (s *SQLiteStore) InsertSystemMetric(ctx context.Context, m *SystemMetric) error {
	query := `
		INSERT INTO system_metrics (
			agent_uuid, timestamp, cpu_usage, memory_used, memory_total, disk_used, disk_total,
			network_in, network_out, tcp_connections, udp_connections, uptime
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		m.AgentUUID,
		m.Timestamp.UTC().Format(time.RFC3339),
		m.CPUUsage,
		int64(m.MemoryUsed),
		int64(m.MemoryTotal),
		int64(m.DiskUsed),
		int64(m.DiskTotal),
		int64(m.NetworkIn),
		int64(m.NetworkOut),
		m.TCPConnections,
		m.UDPConnections,
		m.Uptime,
	)
	if err != nil {
		return fmt.Errorf("inserting system metric: %w", err)
	}

	m.ID, _ = result.LastInsertId()
	return nil
}

// ListSystemMetrics returns the most recent metrics for an agent, newest first.
// If limit is 0 or negative, all rows are returned.
func (s *SQLiteStore) ListSystemMetrics(ctx context.Context, agentUUID string, limit int) ([]*SystemMetric, error) {
	query := `
		SELECT id, agent_uuid, timestamp, cpu_usage, memory_used, memory_total, disk_used, disk_total,
			network_in, network_out, tcp_connections, udp_connections, uptime
		FROM system_metrics
		WHERE agent_uuid = ?
		ORDER BY timestamp DESC, id DESC
	`
	args := []any{agentUUID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying system metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*SystemMetric
	for rows.Next() {
		var m SystemMetric
		var ts string
		var memUsed, memTotal, diskUsed, diskTotal, netIn, netOut int64
		if err := rows.Scan(&m.ID, &m.AgentUUID, &ts, &m.CPUUsage,
			&memUsed, &memTotal, &diskUsed, &diskTotal, &netIn, &netOut,
			&m.TCPConnections, &m.UDPConnections, &m.Uptime); err != nil {
			return nil, fmt.Errorf("scanning system metric row: %w", err)
		}
		m.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing metric timestamp: %w", err)
		}
		m.MemoryUsed, m.MemoryTotal = uint64(memUsed), uint64(memTotal)
		m.DiskUsed, m.DiskTotal = uint64(diskUsed), uint64(diskTotal)
		m.NetworkIn, m.NetworkOut = uint64(netIn), uint64(netOut)
		metrics = append(metrics, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating system metric rows: %w", err)
	}

	return metrics, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var agent AgentRecord
	var alias, ipv4, ipv6, systemInfo sql.NullString
	var lastSeen, createdAt, updatedAt string

	if err := row.Scan(&agent.UUID, &alias, &ipv4, &ipv6, &agent.Status,
		&lastSeen, &systemInfo, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	agent.Alias = alias.String
	agent.IPv4Address = ipv4.String
	agent.IPv6Address = ipv6.String
	if systemInfo.Valid && systemInfo.String != "" {
		agent.SystemInfo = json.RawMessage(systemInfo.String)
	}

	var err error
	if agent.LastSeen, err = time.Parse(time.RFC3339, lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	if agent.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if agent.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &agent, nil
}

// requireRow maps a zero-row update to ErrNotFound.
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullJSON returns nil for an empty payload so the column stays NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
