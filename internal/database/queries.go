package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"whatsbot/internal/models"
)

// SaveSession upserts a user's credential record.
func (d *Database) SaveSession(ctx context.Context, rec models.SessionRecord) error {
	creds, err := d.encryptor.Encrypt(string(rec.Creds))
	if err != nil {
		return fmt.Errorf("failed to encrypt creds: %w", err)
	}
	keys, err := d.encryptor.Encrypt(string(rec.Keys))
	if err != nil {
		return fmt.Errorf("failed to encrypt keys: %w", err)
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := d.rebind(`
		INSERT INTO sessions (user_id, auth_ref, creds, key_material, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			auth_ref = excluded.auth_ref,
			creds = excluded.creds,
			key_material = excluded.key_material,
			updated_at = excluded.updated_at
	`)
	return withRetry(ctx, "save session", func() error {
		_, err := d.db.ExecContext(ctx, query, rec.UserID, rec.AuthRef, creds, keys, updatedAt.UTC())
		return err
	})
}

// LoadSession returns the stored record, or nil when the user has none.
func (d *Database) LoadSession(ctx context.Context, userID string) (*models.SessionRecord, error) {
	query := d.rebind(`SELECT user_id, auth_ref, creds, key_material, updated_at FROM sessions WHERE user_id = ?`)

	var rec *models.SessionRecord
	err := withRetry(ctx, "load session", func() error {
		row := d.db.QueryRowContext(ctx, query, userID)
		r, err := d.scanSession(row)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListSessions returns every stored credential record.
func (d *Database) ListSessions(ctx context.Context) ([]models.SessionRecord, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT user_id, auth_ref, creds, key_material, updated_at FROM sessions ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionRecord
	for rows.Next() {
		rec, err := d.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteSession removes a user's credential record. Missing rows are not an error.
func (d *Database) DeleteSession(ctx context.Context, userID string) error {
	query := d.rebind(`DELETE FROM sessions WHERE user_id = ?`)
	return withRetry(ctx, "delete session", func() error {
		_, err := d.db.ExecContext(ctx, query, userID)
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func (d *Database) scanSession(row scanner) (*models.SessionRecord, error) {
	var (
		rec         models.SessionRecord
		creds, keys string
	)
	if err := row.Scan(&rec.UserID, &rec.AuthRef, &creds, &keys, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	plainCreds, err := d.encryptor.Decrypt(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt creds for %s: %w", rec.UserID, err)
	}
	plainKeys, err := d.encryptor.Decrypt(keys)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt keys for %s: %w", rec.UserID, err)
	}
	rec.Creds = json.RawMessage(plainCreds)
	rec.Keys = json.RawMessage(plainKeys)
	return &rec, nil
}

// UserExists reports whether the user has completed a first login.
func (d *Database) UserExists(ctx context.Context, userID string) (bool, error) {
	query := d.rebind(`SELECT COUNT(1) FROM users WHERE user_id = ?`)
	var n int
	err := withRetry(ctx, "check user", func() error {
		return d.db.QueryRowContext(ctx, query, userID).Scan(&n)
	})
	return n > 0, err
}

// SaveUser upserts account details. created_at and explicit limits survive updates.
func (d *Database) SaveUser(ctx context.Context, u models.User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	query := d.rebind(`
		INSERT INTO users (user_id, auth_ref, name, lid, jid, max_ram_mb, max_rom_mb, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			auth_ref = excluded.auth_ref,
			name = excluded.name,
			lid = excluded.lid,
			jid = excluded.jid
	`)
	return withRetry(ctx, "save user", func() error {
		_, err := d.db.ExecContext(ctx, query,
			u.UserID, u.AuthRef, u.Name, u.LID, u.JID, u.MaxRAMMB, u.MaxROMMB, createdAt.UTC())
		return err
	})
}

// GetUser returns the account row, or nil when absent.
func (d *Database) GetUser(ctx context.Context, userID string) (*models.User, error) {
	query := d.rebind(`
		SELECT user_id, auth_ref, name, lid, jid, max_ram_mb, max_rom_mb, created_at
		FROM users WHERE user_id = ?
	`)
	var u models.User
	err := d.db.QueryRowContext(ctx, query, userID).Scan(
		&u.UserID, &u.AuthRef, &u.Name, &u.LID, &u.JID, &u.MaxRAMMB, &u.MaxROMMB, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// SetUserLimits overrides the per-tier budgets for a user.
func (d *Database) SetUserLimits(ctx context.Context, userID string, limits models.UserLimits) error {
	query := d.rebind(`UPDATE users SET max_ram_mb = ?, max_rom_mb = ? WHERE user_id = ?`)
	res, err := d.db.ExecContext(ctx, query, limits.MaxRAMMB, limits.MaxROMMB, userID)
	if err != nil {
		return fmt.Errorf("failed to set user limits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}

// GetUserLimits returns the user's budgets, falling back to defaults for unset values.
func (d *Database) GetUserLimits(ctx context.Context, userID string) (models.UserLimits, error) {
	limits := d.defaults
	u, err := d.GetUser(ctx, userID)
	if err != nil {
		return limits, err
	}
	if u == nil {
		return limits, nil
	}
	if u.MaxRAMMB > 0 {
		limits.MaxRAMMB = u.MaxRAMMB
	}
	if u.MaxROMMB > 0 {
		limits.MaxROMMB = u.MaxROMMB
	}
	return limits, nil
}

// DeleteUser removes the account row and its delivery channel.
func (d *Database) DeleteUser(ctx context.Context, userID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM users WHERE user_id = ?`,
		`DELETE FROM delivery_channels WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, d.rebind(q), userID); err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
	}
	return tx.Commit()
}

// SaveDeliveryChannel upserts where notices for a user are sent.
func (d *Database) SaveDeliveryChannel(ctx context.Context, ch models.DeliveryChannel) error {
	query := d.rebind(`
		INSERT INTO delivery_channels (user_id, auth_ref, email, chat_jid)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			auth_ref = excluded.auth_ref,
			email = excluded.email,
			chat_jid = excluded.chat_jid
	`)
	return withRetry(ctx, "save delivery channel", func() error {
		_, err := d.db.ExecContext(ctx, query, ch.UserID, ch.AuthRef, ch.Email, ch.ChatJID)
		return err
	})
}

// GetDeliveryChannel returns the user's channel, or nil when none is registered.
func (d *Database) GetDeliveryChannel(ctx context.Context, userID string) (*models.DeliveryChannel, error) {
	query := d.rebind(`SELECT user_id, auth_ref, email, chat_jid FROM delivery_channels WHERE user_id = ?`)
	var ch models.DeliveryChannel
	err := d.db.QueryRowContext(ctx, query, userID).Scan(&ch.UserID, &ch.AuthRef, &ch.Email, &ch.ChatJID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery channel: %w", err)
	}
	return &ch, nil
}
