// Package storage is the Postgres-backed durable recovery log: the
// `tasks`, `nodes`, `usage_records` and `users` tables. All entities live in
// this file, each with its own small set of `$N`-placeholder SQL statements, built
// with per-call field/arg slices and wrapped in
// `fmt.Errorf("failed to ...: %w", err)`.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/types"
)

// PoolConfig is the bounded connection pool policy.
type PoolConfig struct {
	MinOpen     int
	MaxOpen     int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// DefaultPoolConfig returns min=2, max=10, idle=5min, lifetime=30min.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MinOpen: 2, MaxOpen: 10, MaxIdleTime: 5 * time.Minute, MaxLifetime: 30 * time.Minute}
}

// DB is the Postgres-backed implementation of the task/node/usage/user store.
type DB struct {
	db *sql.DB
}

// Open connects to dsn and configures the bounded pool from cfg.
// database/sql has no synchronous "pool full" error: once MaxOpen is
// exhausted it blocks acquisition rather than failing, so callers that need
// fail-fast behavior should pass a short-deadline context to every call.
func Open(dsn string, cfg PoolConfig) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open postgres connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpen)
	sqlDB.SetMaxIdleConns(cfg.MinOpen)
	sqlDB.SetConnMaxIdleTime(cfg.MaxIdleTime)
	sqlDB.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("storage: failed to reach postgres: %w", err)
	}
	return &DB{db: sqlDB}, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// SaveTask upserts a task row, encoding its EnvVars/GitHubToken as opaque
// encrypted blobs the caller (pkg/crypto, via the task store) has already
// sealed before this call — this package never sees plaintext credentials.
func (d *DB) SaveTask(ctx context.Context, t *types.Task) error {
	var assignedNode sql.NullString
	if t.AssignedNodeID != nil {
		assignedNode = sql.NullString{String: t.AssignedNodeID.String(), Valid: true}
	}
	var startedAt, completedAt sql.NullTime
	if t.StartedAt != nil {
		startedAt = sql.NullTime{Time: *t.StartedAt, Valid: true}
	}
	if t.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}

	stmt := `INSERT INTO tasks (
			id, user_id, state, assigned_node_id, repo_url, branch, prompt,
			github_token, create_pr, pr_title, pr_body, env_vars,
			max_iterations, completion_promise, required_capabilities,
			created_at, started_at, completed_at, error_message, pr_url,
			input_tokens, output_tokens, compute_time_ms, tool_calls, retry_count
		) VALUES (` + placeholders(25) + `)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			assigned_node_id = EXCLUDED.assigned_node_id,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message,
			pr_url = EXCLUDED.pr_url,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			compute_time_ms = EXCLUDED.compute_time_ms,
			tool_calls = EXCLUDED.tool_calls,
			retry_count = EXCLUDED.retry_count`

	_, err := d.db.ExecContext(ctx, stmt,
		t.ID.String(), t.UserID.String(), t.State.String(), assignedNode,
		t.RepoURL, t.Branch, t.Prompt, t.GitHubToken, t.CreatePR, t.PRTitle, t.PRBody,
		encodeEnvVars(t.EnvVars), t.MaxIterations, t.CompletionPromise,
		strings.Join(t.RequiredCapabilities, ","),
		t.CreatedAt, startedAt, completedAt, t.ErrorMessage, t.PRURL,
		t.InputTokens, t.OutputTokens, t.ComputeTimeMs, t.ToolCalls, t.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("storage: failed to save task %s: %w", t.ID, err)
	}
	return nil
}

// LoadNonTerminalTasks returns every task whose state is not Completed,
// Failed or Cancelled, for the startup recovery loader.
func (d *DB) LoadNonTerminalTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT
			id, user_id, state, assigned_node_id, repo_url, branch, prompt,
			github_token, create_pr, pr_title, pr_body, env_vars,
			max_iterations, completion_promise, required_capabilities,
			created_at, started_at, completed_at, error_message, pr_url,
			input_tokens, output_tokens, compute_time_ms, tool_calls, retry_count
		FROM tasks WHERE state NOT IN ('Completed', 'Failed', 'Cancelled')`)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load non-terminal tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		taskIDStr, userIDStr, stateStr string
		assignedNode                   sql.NullString
		envVarsBlob, capsStr           string
		startedAt, completedAt         sql.NullTime
		t                              types.Task
	)
	if err := row.Scan(
		&taskIDStr, &userIDStr, &stateStr, &assignedNode, &t.RepoURL, &t.Branch, &t.Prompt,
		&t.GitHubToken, &t.CreatePR, &t.PRTitle, &t.PRBody, &envVarsBlob,
		&t.MaxIterations, &t.CompletionPromise, &capsStr,
		&t.CreatedAt, &startedAt, &completedAt, &t.ErrorMessage, &t.PRURL,
		&t.InputTokens, &t.OutputTokens, &t.ComputeTimeMs, &t.ToolCalls, &t.RetryCount,
	); err != nil {
		return nil, fmt.Errorf("storage: failed to scan task row: %w", err)
	}

	taskID, err := id.Parse(taskIDStr)
	if err != nil {
		return nil, fmt.Errorf("storage: corrupt task id %q: %w", taskIDStr, err)
	}
	userID, err := id.Parse(userIDStr)
	if err != nil {
		return nil, fmt.Errorf("storage: corrupt user id %q: %w", userIDStr, err)
	}
	t.ID = taskID
	t.UserID = userID
	t.State = types.TaskState(stateStr)
	if assignedNode.Valid {
		nodeID, err := id.Parse(assignedNode.String)
		if err == nil {
			t.AssignedNodeID = &nodeID
		}
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	t.EnvVars = decodeEnvVars(envVarsBlob)
	if capsStr != "" {
		t.RequiredCapabilities = strings.Split(capsStr, ",")
	}
	return &t, nil
}

// SaveUsageRecord upserts the terminal usage totals for a task.
func (d *DB) SaveUsageRecord(ctx context.Context, taskID, userID id.ID, record types.UsageRecord) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO usage_records (
			task_id, user_id, input_tokens, output_tokens, compute_time_ms, tool_calls, recorded_at
		) VALUES (`+placeholders(7)+`)
		ON CONFLICT (task_id) DO UPDATE SET
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			compute_time_ms = EXCLUDED.compute_time_ms,
			tool_calls = EXCLUDED.tool_calls`,
		taskID.String(), userID.String(), record.InputTokens, record.OutputTokens,
		record.ComputeTimeMs, record.ToolCalls, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("storage: failed to save usage record for task %s: %w", taskID, err)
	}
	return nil
}

// LoadUserUsageTotals returns every user's rolling usage totals aggregated
// from usage_records, for the recovery loader.
func (d *DB) LoadUserUsageTotals(ctx context.Context) (map[id.ID]types.UsageRecord, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT user_id,
			SUM(input_tokens), SUM(output_tokens), SUM(compute_time_ms), SUM(tool_calls)
		FROM usage_records GROUP BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load usage totals: %w", err)
	}
	defer rows.Close()

	out := make(map[id.ID]types.UsageRecord)
	for rows.Next() {
		var userIDStr string
		var record types.UsageRecord
		if err := rows.Scan(&userIDStr, &record.InputTokens, &record.OutputTokens, &record.ComputeTimeMs, &record.ToolCalls); err != nil {
			return nil, fmt.Errorf("storage: failed to scan usage totals row: %w", err)
		}
		userID, err := id.Parse(userIDStr)
		if err != nil {
			continue
		}
		record.OwnerID = userID
		out[userID] = record
	}
	return out, rows.Err()
}

// SaveNode upserts a node's registration record. The registry does not
// call it, so the nodes table holds only what callers of SaveNode write.
// Nodes are never rehydrated into the registry on startup: only tasks and
// usage are recovered, since workers re-register themselves on reconnect.
func (d *DB) SaveNode(ctx context.Context, n *types.Node) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO nodes (
			id, address, capabilities, capacity, status, registered_at, last_heartbeat_at
		) VALUES (`+placeholders(7)+`)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at`,
		n.ID.String(), n.Address, strings.Join(n.Capabilities, ","), n.Capacity,
		n.Status.String(), n.RegisteredAt, n.LastHeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("storage: failed to save node %s: %w", n.ID, err)
	}
	return nil
}

// DeleteNode removes a node's record. Registry GC and deregistration do not
// call it.
func (d *DB) DeleteNode(ctx context.Context, nodeID id.ID) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = `+placeholder(1), nodeID.String())
	if err != nil {
		return fmt.Errorf("storage: failed to delete node %s: %w", nodeID, err)
	}
	return nil
}

// CreateUser inserts a new user account.
func (d *DB) CreateUser(ctx context.Context, u *types.User) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO users (id, username, password_hash, api_key, created_at)
		VALUES (`+placeholders(5)+`)`,
		u.ID.String(), u.Username, u.PasswordHash, u.APIKey, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: failed to create user %s: %w", u.Username, err)
	}
	return nil
}

// GetUserByUsername looks up a user by username.
func (d *DB) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	row := d.db.QueryRowContext(ctx, `SELECT id, username, password_hash, api_key, created_at
		FROM users WHERE username = `+placeholder(1), username)
	return scanUser(row)
}

// GetUserByAPIKey looks up a user by API key. The gateway authenticates
// bearer JWTs and does not call it.
func (d *DB) GetUserByAPIKey(ctx context.Context, apiKey string) (*types.User, error) {
	row := d.db.QueryRowContext(ctx, `SELECT id, username, password_hash, api_key, created_at
		FROM users WHERE api_key = `+placeholder(1), apiKey)
	return scanUser(row)
}

func scanUser(row rowScanner) (*types.User, error) {
	var idStr string
	var u types.User
	if err := row.Scan(&idStr, &u.Username, &u.PasswordHash, &u.APIKey, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to scan user row: %w", err)
	}
	userID, err := id.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("storage: corrupt user id %q: %w", idStr, err)
	}
	u.ID = userID
	return &u, nil
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

// encodeEnvVars/decodeEnvVars use a simple reversible line format
// (key=value, one per line); the values stored here are already
// ciphertext (base64) by the time they reach this package.
func encodeEnvVars(vars []types.EnvVar) string {
	var b strings.Builder
	for i, v := range vars {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(v.Key)
		b.WriteByte('=')
		b.WriteString(v.Value)
	}
	return b.String()
}

func decodeEnvVars(blob string) []types.EnvVar {
	if blob == "" {
		return nil
	}
	lines := strings.Split(blob, "\n")
	out := make([]types.EnvVar, 0, len(lines))
	for _, line := range lines {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out = append(out, types.EnvVar{Key: k, Value: v})
	}
	return out
}
