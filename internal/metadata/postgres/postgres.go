// Package postgres provides the PostgreSQL-backed file tree store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"

	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/cumulusfs/cumulus/internal/metrics"
	"github.com/cumulusfs/cumulus/internal/model"
	"go.uber.org/zap"
)

// Store is the PostgreSQL node store. Every node belongs to exactly one
// user; all queries are scoped by user_id so one tenant can never see or
// mutate another tenant's rows.
type Store struct {
	db *sql.DB
}

// New opens the database and verifies connectivity.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

const nodeColumns = `id, user_id, type, name, parent_id, storage_key, size, mime_type, is_starred, trashed_at, created_at, updated_at`

const nodeColumnsN = `n.id, n.user_id, n.type, n.name, n.parent_id, n.storage_key, n.size, n.mime_type, n.is_starred, n.trashed_at, n.created_at, n.updated_at`

func scanNode(row interface {
	Scan(dest ...any) error
}) (*model.Node, error) {
	var n model.Node
	var parentID sql.NullString
	var trashedAt sql.NullTime
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Name, &parentID, &n.StorageKey,
		&n.Size, &n.MimeType, &n.IsStarred, &trashedAt, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		n.ParentID = &parentID.String
	}
	if trashedAt.Valid {
		t := trashedAt.Time
		n.TrashedAt = &t
	}
	return &n, nil
}

// CreateNode inserts a node. A unique-violation on the live-sibling index
// maps to ErrNameConflict.
func (s *Store) CreateNode(ctx context.Context, n *model.Node) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_node", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, user_id, type, name, parent_id, storage_key, size, mime_type, is_starred, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		n.ID, n.UserID, n.Type, n.Name, n.ParentID, n.StorageKey, n.Size, n.MimeType, n.IsStarred, n.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrNameConflict
		}
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// GetNode returns a node by id, scoped to the user.
func (s *Store) GetNode(ctx context.Context, userID, id string) (*model.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_node", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE user_id = $1 AND id = $2`,
		userID, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// ChildByName returns the live (non-trashed) child of parentID with the
// given name, or ErrNotFound. parentID=nil means the root level.
func (s *Store) ChildByName(ctx context.Context, userID string, parentID *string, name string) (*model.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("child_by_name", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE user_id = $1 AND parent_id IS NOT DISTINCT FROM $2 AND name = $3 AND trashed_at IS NULL`,
		userID, parentID, name)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("child by name: %w", err)
	}
	return n, nil
}

// ListChildren returns a listing according to the filter:
//
//   - FilterAll: live children of parentID (nil = root level)
//   - FilterStarred: every live starred node owned by the user
//   - FilterTrash: trash roots, i.e. trashed nodes whose parent is not
//     itself trashed (children follow their trashed ancestor implicitly)
func (s *Store) ListChildren(ctx context.Context, userID string, parentID *string, filter model.Filter) ([]model.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_children", time.Since(start)) }()

	var rows *sql.Rows
	var err error
	switch filter {
	case model.FilterStarred:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes
			 WHERE user_id = $1 AND is_starred = TRUE AND trashed_at IS NULL
			 ORDER BY type DESC, name`, userID)
	case model.FilterTrash:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+nodeColumnsN+` FROM nodes n
			 LEFT JOIN nodes p ON p.id = n.parent_id
			 WHERE n.user_id = $1 AND n.trashed_at IS NOT NULL
			   AND (n.parent_id IS NULL OR p.trashed_at IS NULL)
			 ORDER BY n.trashed_at DESC`, userID)
	default:
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes
			 WHERE user_id = $1 AND parent_id IS NOT DISTINCT FROM $2 AND trashed_at IS NULL
			 ORDER BY type DESC, name`, userID, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// Descendants returns every node underneath the given roots (the roots
// themselves excluded), in breadth-first order. One batched query per tree
// level keeps this linear without a recursive CTE.
func (s *Store) Descendants(ctx context.Context, userID string, rootIDs []string) ([]model.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("descendants", time.Since(start)) }()

	var out []model.Node
	frontier := rootIDs
	for len(frontier) > 0 {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes
			 WHERE user_id = $1 AND parent_id = ANY($2)`,
			userID, pq.Array(frontier))
		if err != nil {
			return nil, fmt.Errorf("descendants: %w", err)
		}
		level, err := collectNodes(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}

		frontier = nil
		for _, n := range level {
			out = append(out, n)
			if n.Type == model.TypeFolder {
				frontier = append(frontier, n.ID)
			}
		}
	}
	return out, nil
}

// AncestorIDs walks up from startID to the root, returning every ancestor
// id (startID excluded, nearest first). Used for move cycle checks.
func (s *Store) AncestorIDs(ctx context.Context, userID, startID string) ([]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("ancestor_ids", time.Since(start)) }()

	var out []string
	current := startID
	for {
		var parentID sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT parent_id FROM nodes WHERE user_id = $1 AND id = $2`,
			userID, current).Scan(&parentID)
		if err == sql.ErrNoRows {
			return nil, model.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("ancestor walk: %w", err)
		}
		if !parentID.Valid {
			return out, nil
		}
		out = append(out, parentID.String)
		current = parentID.String
	}
}

// Rename updates a node's name.
func (s *Store) Rename(ctx context.Context, userID, id, newName string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("rename_node", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET name = $3, updated_at = NOW() WHERE user_id = $1 AND id = $2`,
		userID, id, newName)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrNameConflict
		}
		return fmt.Errorf("rename node: %w", err)
	}
	return requireAffected(res)
}

// Reparent moves a node under a new parent (nil = root level).
func (s *Store) Reparent(ctx context.Context, userID, id string, newParentID *string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("reparent_node", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET parent_id = $3, updated_at = NOW() WHERE user_id = $1 AND id = $2`,
		userID, id, newParentID)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrNameConflict
		}
		return fmt.Errorf("reparent node: %w", err)
	}
	return requireAffected(res)
}

// SetStarred flips the star flag on a batch of nodes, returning how many
// rows changed.
func (s *Store) SetStarred(ctx context.Context, userID string, ids []string, starred bool) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_starred", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET is_starred = $3, updated_at = NOW()
		 WHERE user_id = $1 AND id = ANY($2)`,
		userID, pq.Array(ids), starred)
	if err != nil {
		return 0, fmt.Errorf("set starred: %w", err)
	}
	return res.RowsAffected()
}

// SetTrashed stamps (or clears, when t is nil) trashed_at on a batch of
// nodes. Callers pass the full cascade set so the whole subtree carries the
// same timestamp.
func (s *Store) SetTrashed(ctx context.Context, userID string, ids []string, t *time.Time) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_trashed", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET trashed_at = $3, updated_at = NOW()
		 WHERE user_id = $1 AND id = ANY($2)`,
		userID, pq.Array(ids), t)
	if err != nil {
		return 0, fmt.Errorf("set trashed: %w", err)
	}
	return res.RowsAffected()
}

// DeleteNodes removes rows permanently, returning how many were deleted.
func (s *Store) DeleteNodes(ctx context.Context, userID string, ids []string) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_nodes", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM nodes WHERE user_id = $1 AND id = ANY($2)`,
		userID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete nodes: %w", err)
	}
	return res.RowsAffected()
}

// Search finds live nodes whose name contains the query, case-insensitive.
// Most recently touched first; the cap decides which results make it at
// all, so the order matters.
func (s *Store) Search(ctx context.Context, userID, query string) ([]model.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("search_nodes", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE user_id = $1 AND trashed_at IS NULL AND name ILIKE $2
		 ORDER BY updated_at DESC LIMIT 50`,
		userID, "%"+escapeLike(query)+"%")
	if err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// TrashedRootsBefore returns trash roots whose trashed_at is older than the
// cutoff, for the reaper sweep.
func (s *Store) TrashedRootsBefore(ctx context.Context, userID string, cutoff time.Time) ([]model.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("trashed_roots_before", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumnsN+` FROM nodes n
		 LEFT JOIN nodes p ON p.id = n.parent_id
		 WHERE n.user_id = $1 AND n.trashed_at IS NOT NULL AND n.trashed_at < $2
		   AND (n.parent_id IS NULL OR p.trashed_at IS NULL)`,
		userID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("trashed roots before: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

func collectNodes(rows *sql.Rows) ([]model.Node, error) {
	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
