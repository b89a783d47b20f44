// Package registrydb persists the cross-context user/member registry in
// Postgres: reservation-context users, billing-context members and the
// mapping between them. It backs the reconciliation sweeper's scans and the
// membership repair API.
package registrydb

import (
	"context"
	"database/sql"

	"caravel/internal/reconcile"

	"github.com/google/uuid"
)

// Store implements reconcile.Directory and reconcile.Membership.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the registry tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			external_user_id TEXT UNIQUE NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS members (
			id UUID PRIMARY KEY,
			external_user_id TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS user_members (
			user_id UUID NOT NULL,
			member_id UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, member_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// UsersWithoutMember lists users with no member sharing their external id.
func (s *Store) UsersWithoutMember(ctx context.Context, limit int) ([]reconcile.UserRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.external_user_id, u.full_name
		FROM users u
		LEFT JOIN members m ON m.external_user_id = u.external_user_id
		WHERE m.id IS NULL
		ORDER BY u.created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []reconcile.UserRef
	for rows.Next() {
		var user reconcile.UserRef
		if err := rows.Scan(&user.ID, &user.ExternalUserID, &user.FullName); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// MembersWithoutUser lists members whose user no longer exists.
func (s *Store) MembersWithoutUser(ctx context.Context, limit int) ([]reconcile.MemberRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.external_user_id
		FROM members m
		LEFT JOIN users u ON u.external_user_id = m.external_user_id
		WHERE u.id IS NULL
		ORDER BY m.created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []reconcile.MemberRef
	for rows.Next() {
		var member reconcile.MemberRef
		if err := rows.Scan(&member.ID, &member.ExternalUserID); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// MissingLinks lists user/member pairs that share an external id but have no
// mapping row.
func (s *Store) MissingLinks(ctx context.Context, limit int) ([]reconcile.Link, error) {
	return s.queryLinks(ctx, `
		SELECT u.id, m.id
		FROM users u
		JOIN members m ON m.external_user_id = u.external_user_id
		LEFT JOIN user_members um ON um.user_id = u.id AND um.member_id = m.id
		WHERE um.user_id IS NULL
		ORDER BY u.created_at ASC
		LIMIT $1`,
		limit,
	)
}

// DanglingLinks lists mapping rows whose user or member is gone.
func (s *Store) DanglingLinks(ctx context.Context, limit int) ([]reconcile.Link, error) {
	return s.queryLinks(ctx, `
		SELECT um.user_id, um.member_id
		FROM user_members um
		LEFT JOIN users u ON u.id = um.user_id
		LEFT JOIN members m ON m.id = um.member_id
		WHERE u.id IS NULL OR m.id IS NULL
		ORDER BY um.created_at ASC
		LIMIT $1`,
		limit,
	)
}

func (s *Store) queryLinks(ctx context.Context, query string, limit int) ([]reconcile.Link, error) {
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []reconcile.Link
	for rows.Next() {
		var link reconcile.Link
		if err := rows.Scan(&link.UserID, &link.MemberID); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// CreateMember creates the billing member for a user and links them in one
// transaction. Returns ErrMemberExists when the member is already there.
func (s *Store) CreateMember(ctx context.Context, user reconcile.UserRef) (uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() { _ = tx.Rollback() }()

	memberID := uuid.New()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO members (id, external_user_id, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_user_id) DO NOTHING`,
		memberID, user.ExternalUserID, user.FullName,
	)
	if err != nil {
		return uuid.Nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return uuid.Nil, err
	}
	if affected == 0 {
		return uuid.Nil, reconcile.ErrMemberExists
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_members (user_id, member_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, member_id) DO NOTHING`,
		user.ID, memberID,
	); err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, err
	}
	return memberID, nil
}

// DeleteMember removes a member and its mapping rows. Returns ErrGone when
// the member was already removed.
func (s *Store) DeleteMember(ctx context.Context, memberID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_members WHERE member_id = $1`, memberID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM members WHERE id = $1`, memberID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return reconcile.ErrGone
	}
	return tx.Commit()
}

// LinkUserMember inserts the mapping row. Returns ErrLinkExists when it is
// already present.
func (s *Store) LinkUserMember(ctx context.Context, userID, memberID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_members (user_id, member_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, member_id) DO NOTHING`,
		userID, memberID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return reconcile.ErrLinkExists
	}
	return nil
}

// UnlinkUserMember removes the mapping row. Returns ErrGone when it was
// already removed.
func (s *Store) UnlinkUserMember(ctx context.Context, userID, memberID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_members
		WHERE user_id = $1 AND member_id = $2`,
		userID, memberID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return reconcile.ErrGone
	}
	return nil
}
