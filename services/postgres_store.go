package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/saicha124/fedshareM3/authority"
	"github.com/saicha124/fedshareM3/crypto"
	"github.com/saicha124/fedshareM3/protocol"
)

// PostgresIdentityStore implements authority.IdentityStore with PostgreSQL
// persistence, so enrolled facilities survive authority restarts.
type PostgresIdentityStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresIdentityStore opens the database and runs migrations.
func NewPostgresIdentityStore(config *PostgresConfig) (*PostgresIdentityStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresIdentityStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresIdentityStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS facility_identities (
		facility_id VARCHAR(256) PRIMARY KEY,
		signing_key VARCHAR(128) NOT NULL,
		encryption_key BYTEA NOT NULL,
		attributes TEXT[] NOT NULL,
		issued_at TIMESTAMP WITH TIME ZONE NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_reason TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_identities_revoked ON facility_identities(revoked);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveIdentity persists an issued identity. Re-registration of the same
// facility replaces its keys and clears any revocation.
func (s *PostgresIdentityStore) SaveIdentity(identity *protocol.IssuedIdentity, encryptionKey []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
	INSERT INTO facility_identities
		(facility_id, signing_key, encryption_key, attributes, issued_at, revoked, revoked_reason, updated_at)
	VALUES ($1, $2, $3, $4, $5, FALSE, '', NOW())
	ON CONFLICT (facility_id) DO UPDATE SET
		signing_key = EXCLUDED.signing_key,
		encryption_key = EXCLUDED.encryption_key,
		attributes = EXCLUDED.attributes,
		issued_at = EXCLUDED.issued_at,
		revoked = FALSE,
		revoked_reason = '',
		updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		identity.FacilityID,
		identity.SigningKey.String(),
		encryptionKey,
		pq.Array(identity.Attributes),
		identity.IssuedAt,
	)
	return err
}

// GetIdentity returns the identity and encryption key for a facility.
func (s *PostgresIdentityStore) GetIdentity(facilityID string) (*protocol.IssuedIdentity, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		signingKey    string
		encryptionKey []byte
		attributes    []string
		issuedAt      time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT signing_key, encryption_key, attributes, issued_at
		FROM facility_identities WHERE facility_id = $1
	`, facilityID).Scan(&signingKey, &encryptionKey, pq.Array(&attributes), &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, authority.ErrIdentityNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	parsed, err := crypto.NewPublicKeyFromString(signingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("stored signing key is malformed: %w", err)
	}
	return &protocol.IssuedIdentity{
		FacilityID: facilityID,
		SigningKey: parsed,
		Attributes: attributes,
		IssuedAt:   issuedAt,
	}, encryptionKey, nil
}

// ListIdentities returns all non-revoked identities.
func (s *PostgresIdentityStore) ListIdentities() ([]*protocol.IssuedIdentity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT facility_id, signing_key, attributes, issued_at
		FROM facility_identities WHERE NOT revoked
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*protocol.IssuedIdentity
	for rows.Next() {
		var (
			facilityID string
			signingKey string
			attributes []string
			issuedAt   time.Time
		)
		if err := rows.Scan(&facilityID, &signingKey, pq.Array(&attributes), &issuedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		parsed, err := crypto.NewPublicKeyFromString(signingKey)
		if err != nil {
			continue
		}
		out = append(out, &protocol.IssuedIdentity{
			FacilityID: facilityID,
			SigningKey: parsed,
			Attributes: attributes,
			IssuedAt:   issuedAt,
		})
	}
	return out, rows.Err()
}

// MarkRevoked flags a facility as revoked.
func (s *PostgresIdentityStore) MarkRevoked(facilityID string, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE facility_identities SET revoked = TRUE, revoked_reason = $2, updated_at = NOW()
		WHERE facility_id = $1
	`, facilityID, reason)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return authority.ErrIdentityNotFound
	}
	return nil
}

// IsRevoked reports whether a facility has been revoked. Unknown facilities
// are not revoked.
func (s *PostgresIdentityStore) IsRevoked(facilityID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT revoked FROM facility_identities WHERE facility_id = $1
	`, facilityID).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return revoked, nil
}

// Close closes the database connection.
func (s *PostgresIdentityStore) Close() error {
	return s.db.Close()
}
