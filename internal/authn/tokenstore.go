package authn

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TokenStore persists IssuedToken bookkeeping rows in a narrow SQLite
// table, independent of TranscriptStore.
type TokenStore struct {
	db *sql.DB
}

// OpenTokenStore opens (creating if absent) the SQLite-backed token store
// at path.
func OpenTokenStore(path string) (*TokenStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS issued_tokens (
			jti         TEXT PRIMARY KEY,
			subject     TEXT NOT NULL,
			issued_at   INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,
			revoked     INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate token store: %w", err)
	}
	return &TokenStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *TokenStore) Close() error {
	return s.db.Close()
}

// Record inserts bookkeeping metadata for a newly minted token.
func (s *TokenStore) Record(tok IssuedToken) error {
	_, err := s.db.Exec(
		`INSERT INTO issued_tokens (jti, subject, issued_at, expires_at, revoked) VALUES (?, ?, ?, ?, 0)`,
		tok.JTI, tok.Subject, tok.IssuedAt.Unix(), tok.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record issued token: %w", err)
	}
	return nil
}

// Revoke marks jti as revoked. A bearer check that consults IsRevoked
// after JWT signature verification rejects tokens revoked ahead of their
// natural expiry.
func (s *TokenStore) Revoke(jti string) error {
	res, err := s.db.Exec(`UPDATE issued_tokens SET revoked = 1 WHERE jti = ?`, jti)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("revoke token: jti %q not found", jti)
	}
	return nil
}

// IsRevoked reports whether jti has been revoked. An unknown jti is not
// treated as revoked; signature/expiry verification already rejects tokens
// this store never issued.
func (s *TokenStore) IsRevoked(jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRow(`SELECT revoked FROM issued_tokens WHERE jti = ?`, jti).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check revoked: %w", err)
	}
	return revoked, nil
}

// List returns all bookkeeping rows ordered by issuance, for audit views.
func (s *TokenStore) List() ([]IssuedToken, error) {
	rows, err := s.db.Query(`SELECT jti, subject, issued_at, expires_at, revoked FROM issued_tokens ORDER BY issued_at`)
	if err != nil {
		return nil, fmt.Errorf("list issued tokens: %w", err)
	}
	defer rows.Close()

	var out []IssuedToken
	for rows.Next() {
		var tok IssuedToken
		var issuedAt, expiresAt int64
		if err := rows.Scan(&tok.JTI, &tok.Subject, &issuedAt, &expiresAt, &tok.Revoked); err != nil {
			return nil, fmt.Errorf("scan issued token: %w", err)
		}
		tok.IssuedAt = time.Unix(issuedAt, 0).UTC()
		tok.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		out = append(out, tok)
	}
	return out, rows.Err()
}
