package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/andresmejia3/rollcall/internal/types"
)

var (
	// ErrNotFound is returned when a group, identity or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIdentityExists is returned when a group already has an identity with the same normalized name.
	ErrIdentityExists = errors.New("identity already exists in group")
	// ErrDimension is returned for embeddings that do not fit the reference column.
	ErrDimension = errors.New("embedding dimension does not match the database")
)

// Store manages the PostgreSQL pool and pgvector operations.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// Group is a set of people attending together, e.g. a class.
type Group struct {
	ID         string
	Name       string
	Identities int
	CreatedAt  time.Time
}

// IdentitySummary is an enrolled identity without its embeddings.
type IdentitySummary struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	References int        `json:"references"`
	Sessions   int        `json:"sessions"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Rename is the outcome of RenameIdentity.
type Rename struct {
	ID      int64
	GroupID string
	OldName string
	NewName string
}

// SessionSummary is one attendance session.
type SessionSummary struct {
	ID        uuid.UUID  `json:"id"`
	GroupID   string     `json:"group_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Attendees int        `json:"attendees"`
}

// AttendanceEntry is one stored attendance record.
type AttendanceEntry struct {
	IdentityID int64     `json:"identity_id"`
	Name       string    `json:"name"`
	Confidence float64   `json:"confidence"`
	RecordedAt time.Time `json:"recorded_at"`
}

// New opens a pool and ensures the schema is initialized.
func New(ctx context.Context, connString string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", embeddingDim)
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool, dim: embeddingDim}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Dim returns the reference embedding dimension.
func (s *Store) Dim() int { return s.dim }

// NormalizeName folds a person name for uniqueness checks ("Jiří-Novák" -> "jiri novak").
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, _ := transform.String(t, name)
	folded = strings.ToLower(folded)
	folded = strings.ReplaceAll(folded, "-", " ")
	return strings.Join(strings.Fields(folded), " ")
}

// EnsureGroup creates the group. A non-empty name also renames an existing group.
func (s *Store) EnsureGroup(ctx context.Context, id, name string) error {
	query := `
		INSERT INTO groups (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`
	if name == "" {
		name = id
		query = `
			INSERT INTO groups (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
		`
	}
	_, err := s.pool.Exec(ctx, query, id, name)
	return err
}

// ListGroups returns all groups with their identity counts.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.id, g.name, COUNT(i.id), g.created_at
		FROM groups g
		LEFT JOIN identities i ON i.group_id = g.id
		GROUP BY g.id
		ORDER BY g.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Identities, &g.CreatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GetGroup returns one group with its identity count.
func (s *Store) GetGroup(ctx context.Context, id string) (Group, error) {
	var g Group
	err := s.pool.QueryRow(ctx, `
		SELECT g.id, g.name,
			(SELECT COUNT(*) FROM identities i WHERE i.group_id = g.id),
			g.created_at
		FROM groups g
		WHERE g.id = $1
	`, id).Scan(&g.ID, &g.Name, &g.Identities, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, fmt.Errorf("group %q: %w", id, ErrNotFound)
	}
	return g, err
}

// CreateIdentity enrolls a new person in a group and returns its ID.
func (s *Store) CreateIdentity(ctx context.Context, groupID, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO identities (group_id, name, normalized_name)
		VALUES ($1, $2, $3)
		RETURNING id
	`, groupID, strings.TrimSpace(name), NormalizeName(name)).Scan(&id)

	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		return 0, fmt.Errorf("%q: %w", name, ErrIdentityExists)
	case errors.As(err, &pgErr) && pgErr.Code == "23503":
		return 0, fmt.Errorf("group %q: %w", groupID, ErrNotFound)
	case err != nil:
		return 0, err
	}
	return id, nil
}

// FindIdentity looks an identity up by name within a group, ignoring case and diacritics.
func (s *Store) FindIdentity(ctx context.Context, groupID, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM identities WHERE group_id = $1 AND normalized_name = $2",
		groupID, NormalizeName(name)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("identity %q: %w", name, ErrNotFound)
	}
	return id, err
}

// AddReference stores one reference embedding for an identity.
func (s *Store) AddReference(ctx context.Context, identityID int64, emb types.Embedding) (int64, error) {
	if len(emb) != s.dim {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(emb), s.dim)
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO identity_references (identity_id, embedding)
		VALUES ($1, $2)
		RETURNING id
	`, identityID, pgvector.NewVector(emb)).Scan(&id)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return 0, fmt.Errorf("identity %d: %w", identityID, ErrNotFound)
	}
	return id, err
}

// LoadGallery returns every identity of the group with its references, in enrollment order.
func (s *Store) LoadGallery(ctx context.Context, groupID string) ([]gallery.Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.name, r.embedding
		FROM identities i
		JOIN identity_references r ON r.identity_id = i.id
		WHERE i.group_id = $1
		ORDER BY i.id, r.id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gallery.Identity
	for rows.Next() {
		var (
			id   int64
			name string
			vec  pgvector.Vector
		)
		if err := rows.Scan(&id, &name, &vec); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].ID != id {
			out = append(out, gallery.Identity{ID: id, DisplayName: name})
		}
		last := &out[len(out)-1]
		last.References = append(last.References, types.Embedding(vec.Slice()))
	}
	return out, rows.Err()
}

// ListIdentities returns the group's identities with their reference counts
// and attendance history.
func (s *Store) ListIdentities(ctx context.Context, groupID string) ([]IdentitySummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.name,
			(SELECT COUNT(*) FROM identity_references r WHERE r.identity_id = i.id),
			(SELECT COUNT(*) FROM attendance a WHERE a.identity_id = i.id),
			(SELECT MAX(a.recorded_at) FROM attendance a WHERE a.identity_id = i.id),
			i.created_at
		FROM identities i
		WHERE i.group_id = $1
		ORDER BY i.id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IdentitySummary
	for rows.Next() {
		var is IdentitySummary
		if err := rows.Scan(&is.ID, &is.Name, &is.References, &is.Sessions, &is.LastSeen, &is.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

// RenameIdentity changes an identity's display name. A non-empty groupID
// restricts the rename to identities of that group.
func (s *Store) RenameIdentity(ctx context.Context, groupID string, id int64, newName string) (Rename, error) {
	r := Rename{ID: id, NewName: strings.TrimSpace(newName)}
	err := s.pool.QueryRow(ctx, `
		WITH old AS (
			SELECT id, group_id, name FROM identities
			WHERE id = $1 AND ($4 = '' OR group_id = $4)
		)
		UPDATE identities i SET name = $2, normalized_name = $3
		FROM old
		WHERE i.id = old.id
		RETURNING old.group_id, old.name
	`, id, r.NewName, NormalizeName(newName), groupID).Scan(&r.GroupID, &r.OldName)

	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		return Rename{}, fmt.Errorf("%q: %w", newName, ErrIdentityExists)
	case errors.Is(err, pgx.ErrNoRows):
		if groupID != "" {
			return Rename{}, fmt.Errorf("identity %d in group %q: %w", id, groupID, ErrNotFound)
		}
		return Rename{}, fmt.Errorf("identity %d: %w", id, ErrNotFound)
	case err != nil:
		return Rename{}, err
	}
	return r, nil
}

// FindClosestIdentity returns the group identity owning the reference nearest to emb
// by euclidean distance (<->). id is -1 when nothing is closer than maxDistance.
func (s *Store) FindClosestIdentity(ctx context.Context, groupID string, emb types.Embedding, maxDistance float64) (id int64, name string, distance float64, err error) {
	if len(emb) != s.dim {
		return 0, "", 0, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(emb), s.dim)
	}
	err = s.pool.QueryRow(ctx, `
		SELECT i.id, i.name, r.embedding <-> $2 AS distance
		FROM identity_references r
		JOIN identities i ON i.id = r.identity_id
		WHERE i.group_id = $1 AND r.embedding <-> $2 < $3
		ORDER BY distance ASC
		LIMIT 1
	`, groupID, pgvector.NewVector(emb), maxDistance).Scan(&id, &name, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, "", 0, nil // No match found
	}
	if err != nil {
		return 0, "", 0, err
	}
	return id, name, distance, nil
}

// StartSession registers a session. Starting an existing session is a resume
// and keeps its attendance.
func (s *Store) StartSession(ctx context.Context, id uuid.UUID, groupID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance_sessions (id, group_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET ended_at = NULL
	`, id, groupID)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("group %q: %w", groupID, ErrNotFound)
	}
	return err
}

// SessionGroup returns the group a session belongs to.
func (s *Store) SessionGroup(ctx context.Context, id uuid.UUID) (string, error) {
	var groupID string
	err := s.pool.QueryRow(ctx, "SELECT group_id FROM attendance_sessions WHERE id = $1", id).Scan(&groupID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return groupID, err
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, "UPDATE attendance_sessions SET ended_at = NOW() WHERE id = $1", id)
	return err
}

// ListSessions returns the group's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, groupID string) ([]SessionSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.group_id, s.started_at, s.ended_at, COUNT(a.identity_id)
		FROM attendance_sessions s
		LEFT JOIN attendance a ON a.session_id = s.id
		WHERE s.group_id = $1
		GROUP BY s.id
		ORDER BY s.started_at DESC
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		if err := rows.Scan(&ss.ID, &ss.GroupID, &ss.StartedAt, &ss.EndedAt, &ss.Attendees); err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// RecordAttendance stores one record. A duplicate (session, identity) pair is
// silently ignored. It implements ledger.Sink.
func (s *Store) RecordAttendance(ctx context.Context, rec ledger.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance (session_id, identity_id, confidence, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, identity_id) DO NOTHING
	`, rec.SessionID, rec.IdentityID, rec.Confidence, rec.Timestamp)
	return err
}

// RecordedIdentities returns the identities already recorded for a session.
func (s *Store) RecordedIdentities(ctx context.Context, sessionID uuid.UUID) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT identity_id FROM attendance WHERE session_id = $1 ORDER BY recorded_at", sessionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// ListAttendance returns the session's attendance, in recording order.
func (s *Store) ListAttendance(ctx context.Context, sessionID uuid.UUID) ([]AttendanceEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.identity_id, i.name, a.confidence, a.recorded_at
		FROM attendance a
		JOIN identities i ON i.id = a.identity_id
		WHERE a.session_id = $1
		ORDER BY a.recorded_at, a.identity_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttendanceEntry
	for rows.Next() {
		var e AttendanceEntry
		if err := rows.Scan(&e.IdentityID, &e.Name, &e.Confidence, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// The schema is recreated on the next connection.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS attendance CASCADE;
		DROP TABLE IF EXISTS attendance_sessions CASCADE;
		DROP TABLE IF EXISTS identity_references CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
		DROP TABLE IF EXISTS groups CASCADE;
		DROP TABLE IF EXISTS schema_migrations CASCADE;
	`)
	return err
}
