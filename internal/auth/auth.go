// Package auth manages device tokens for API access. The PWA pairs
// once (via the pair CLI command and a QR code) and presents its token
// as a Bearer credential afterwards.
//
// Tokens have the form "<device-id>.<secret>". Only a bcrypt hash of
// the secret is stored, so a leaked database cannot mint valid tokens.
package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned when a presented token does not match any
// paired device.
var ErrInvalidToken = errors.New("invalid device token")

// Device is a paired client.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// Store persists paired devices.
type Store struct {
	db *sql.DB
}

// New wraps a database handle and migrates the device_tokens table.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate device tokens: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS device_tokens (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_seen TEXT
		)
	`)
	return err
}

// Pair registers a new device and returns its token. The plaintext
// token is shown exactly once; only its hash is stored.
func (s *Store) Pair(name string) (string, *Device, error) {
	if name == "" {
		name = "device"
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", nil, fmt.Errorf("generate device id: %w", err)
	}
	secret := uuid.NewString()

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash secret: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO device_tokens (id, name, secret_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), name, string(hash), now.Format(time.RFC3339Nano))
	if err != nil {
		return "", nil, fmt.Errorf("insert device: %w", err)
	}

	token := id.String() + "." + secret
	return token, &Device{ID: id.String(), Name: name, CreatedAt: now}, nil
}

// Verify checks a presented token and returns the device id it belongs
// to. A valid token updates the device's last_seen timestamp.
func (s *Store) Verify(token string) (string, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", ErrInvalidToken
	}

	var hash string
	err := s.db.QueryRow(`SELECT secret_hash FROM device_tokens WHERE id = ?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("lookup device: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return "", ErrInvalidToken
	}

	_, _ = s.db.Exec(`UPDATE device_tokens SET last_seen = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return id, nil
}

// Revoke removes a paired device. Revoking an unknown id is an error so
// operators notice typos.
func (s *Store) Revoke(id string) error {
	res, err := s.db.Exec(`DELETE FROM device_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no device with id %s", id)
	}
	return nil
}

// List returns all paired devices, oldest first.
func (s *Store) List() ([]Device, error) {
	rows, err := s.db.Query(`
		SELECT id, name, created_at, last_seen FROM device_tokens ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var createdAt string
		var lastSeen sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &createdAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if lastSeen.Valid {
			d.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen.String)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
