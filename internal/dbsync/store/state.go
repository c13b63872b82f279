package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// NodeInfo is a server-issued node identity.
type NodeInfo struct {
	ID         int64
	Secret     string
	Registered time.Time
}

// LocalNode is the client-side sync state: credentials plus the last version
// this node knows the server reached.
type LocalNode struct {
	NodeID           int64
	Secret           string
	LastKnownVersion int64
}

// CreateVersion appends a row to the version ledger and returns the new
// strictly increasing version id. nodeID zero records NULL (a direct
// server-side write rather than a push).
func (t *Tx) CreateVersion(ctx context.Context, nodeID int64) (int64, error) {
	var nid any
	if nodeID > 0 {
		nid = nodeID
	}
	var id int64
	err := t.tx.QueryRowContext(ctx, t.Rebind(
		`INSERT INTO sync_versions (created_ts, node_id) VALUES (?, ?) RETURNING version_id`),
		time.Now().UnixMilli(), nid).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create version: %w", err)
	}
	return id, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LatestVersion returns the newest ledger id, zero when the ledger is empty.
func LatestVersion(ctx context.Context, q queryRower) (int64, error) {
	var v sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(version_id) FROM sync_versions`).Scan(&v); err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return v.Int64, nil
}

// SetLatestVersion fast-forwards the client ledger to the given id after a
// repair, discarding prior entries.
func (t *Tx) SetLatestVersion(ctx context.Context, version int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM sync_versions`); err != nil {
		return err
	}
	if version == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, t.Rebind(
		`INSERT INTO sync_versions (version_id, created_ts, node_id) VALUES (?, ?, ?)`),
		version, time.Now().UnixMilli(), nil)
	return err
}

// generateSecret mints a shared secret for push signing.
func generateSecret() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// RegisterNode issues fresh credentials on the server. Re-registration simply
// creates a new node row.
func (t *Tx) RegisterNode(ctx context.Context) (NodeInfo, error) {
	now := time.Now()
	secret := generateSecret()
	var id int64
	err := t.tx.QueryRowContext(ctx, t.Rebind(
		`INSERT INTO sync_nodes (registered_ts, secret) VALUES (?, ?) RETURNING node_id`),
		now.UnixMilli(), secret).Scan(&id)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("register node: %w", err)
	}
	return NodeInfo{ID: id, Secret: secret, Registered: now}, nil
}

// NodeSecret looks up the shared secret for a node id on the server.
func NodeSecret(ctx context.Context, q queryRower, rebind func(string) string, nodeID int64) (string, error) {
	var secret string
	err := q.QueryRowContext(ctx, rebind(
		`SELECT secret FROM sync_nodes WHERE node_id = ?`), nodeID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &syncerr.AuthError{NodeID: nodeID, Reason: "unknown node"}
	}
	if err != nil {
		return "", fmt.Errorf("node secret: %w", err)
	}
	return secret, nil
}

// MinLastKnownVersion returns the smallest version any registered node could
// still need, bounding the server-side trim. ok is false when a node has
// never pushed (a dead or fresh node blocks the trim).
func MinLastKnownVersion(ctx context.Context, q journalQuerier, rebind func(string) string) (int64, bool, error) {
	rows, err := q.QueryContext(ctx, rebind(
		`SELECT n.node_id, MAX(v.version_id)
		 FROM sync_nodes n LEFT JOIN sync_versions v ON v.node_id = n.node_id
		 GROUP BY n.node_id`))
	if err != nil {
		return 0, false, fmt.Errorf("min last known version: %w", err)
	}
	defer rows.Close()
	var (
		min  int64
		seen bool
	)
	for rows.Next() {
		var (
			nodeID int64
			max    sql.NullInt64
		)
		if err := rows.Scan(&nodeID, &max); err != nil {
			return 0, false, err
		}
		if !max.Valid {
			return 0, false, rows.Err()
		}
		if !seen || max.Int64 < min {
			min = max.Int64
		}
		seen = true
	}
	return min, seen, rows.Err()
}

type journalQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SaveLocalNode stores the client credentials, replacing any previous ones.
func (t *Tx) SaveLocalNode(ctx context.Context, n LocalNode) error {
	_, err := t.tx.ExecContext(ctx, t.Rebind(
		`INSERT INTO sync_node (id, node_id, secret, last_known_version)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			node_id = excluded.node_id,
			secret = excluded.secret,
			last_known_version = excluded.last_known_version`),
		n.NodeID, n.Secret, n.LastKnownVersion)
	if err != nil {
		return fmt.Errorf("save local node: %w", err)
	}
	return nil
}

// GetLocalNode reads the client credentials. ok is false before registration.
func GetLocalNode(ctx context.Context, q queryRower) (LocalNode, bool, error) {
	var n LocalNode
	err := q.QueryRowContext(ctx,
		`SELECT node_id, secret, last_known_version FROM sync_node WHERE id = 1`).
		Scan(&n.NodeID, &n.Secret, &n.LastKnownVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return LocalNode{}, false, nil
	}
	if err != nil {
		return LocalNode{}, false, fmt.Errorf("local node: %w", err)
	}
	return n, true, nil
}

// SetLastKnownVersion advances the client's last known version. It never
// moves backwards except through repair, which rewrites the whole row.
func (t *Tx) SetLastKnownVersion(ctx context.Context, version int64) error {
	res, err := t.tx.ExecContext(ctx, t.Rebind(
		`UPDATE sync_node SET last_known_version = ? WHERE id = 1 AND last_known_version <= ?`),
		version, version)
	if err != nil {
		return fmt.Errorf("set last known version: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return syncerr.ErrNotRegistered
	}
	return nil
}
