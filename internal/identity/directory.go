package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
)

// PGDirectory is the Postgres-backed external user directory. It is a
// read-only collaborator: the provisioning system owns the schema, this
// process only resolves chat links and hydrates API keys from it.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory connects to the provisioning database.
func NewPGDirectory(ctx context.Context, dsn string) (*PGDirectory, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect user directory: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping user directory: %w", err)
	}
	return &PGDirectory{pool: pool}, nil
}

// LookupChatID resolves the chat ID provisioned for an exchange UID.
// Empty string with nil error means no link exists.
func (d *PGDirectory) LookupChatID(ctx context.Context, uid string) (string, error) {
	var chatID string
	err := d.pool.QueryRow(ctx,
		`SELECT telegram_id FROM users WHERE okx_uid = $1 AND telegram_id IS NOT NULL`,
		uid,
	).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("directory chat lookup for %s: %w", uid, err)
	}
	return chatID, nil
}

// LookupCredentials reads the provisioned API triplet for an exchange UID.
func (d *PGDirectory) LookupCredentials(ctx context.Context, uid string) (exchange.Credentials, error) {
	var creds exchange.Credentials
	err := d.pool.QueryRow(ctx,
		`SELECT api_key, api_secret, passphrase FROM user_api_keys WHERE okx_uid = $1`,
		uid,
	).Scan(&creds.Key, &creds.Secret, &creds.Passphrase)
	if errors.Is(err, pgx.ErrNoRows) {
		return exchange.Credentials{}, exchange.ErrNoCredentials
	}
	if err != nil {
		return exchange.Credentials{}, fmt.Errorf("directory credential lookup for %s: %w", uid, err)
	}
	return creds, nil
}

// Close releases the connection pool.
func (d *PGDirectory) Close() {
	d.pool.Close()
}
