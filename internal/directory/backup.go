package directory

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Encrypted backup layout:
//   magic (5 bytes): "SBPB\x01"
//   salt  (32 bytes): Argon2id salt
//   nonce (12 bytes): AES-256-GCM nonce
//   ciphertext (rest, includes the 16-byte tag)

var (
	backupMagic  = []byte("SBPB\x01")
	sqliteHeader = []byte("SQLite format 3\x00")
)

const (
	saltSize  = 32
	nonceSize = 12
)

func backupCipher(password string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, 3, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("directory: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Backup writes a consistent snapshot of the database to w. A non-empty
// password encrypts the snapshot.
func (s *Store) Backup(ctx context.Context, w io.Writer, password string) error {
	dir, err := os.MkdirTemp("", "panel-backup-")
	if err != nil {
		return fmt.Errorf("directory: backup temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "panel.db")
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return fmt.Errorf("directory: vacuum into: %w", err)
	}
	data, err := os.ReadFile(snapshot)
	if err != nil {
		return fmt.Errorf("directory: read snapshot: %w", err)
	}

	if password == "" {
		_, err := w.Write(data)
		return err
	}
	return EncryptBackup(w, bytes.NewReader(data), password)
}

// Restore replaces every user and audit entry with the contents of the
// plain sqlite snapshot read from r and returns the number of users
// restored. The store is left as it was if the snapshot is not a panel
// database or any step fails.
func (s *Store) Restore(ctx context.Context, r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("directory: read snapshot: %w", err)
	}
	if !bytes.HasPrefix(data, sqliteHeader) {
		return 0, fmt.Errorf("directory: restore: not a sqlite database")
	}

	dir, err := os.MkdirTemp("", "panel-restore-")
	if err != nil {
		return 0, fmt.Errorf("directory: restore temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	snapshot := filepath.Join(dir, "panel.db")
	if err := os.WriteFile(snapshot, data, 0o600); err != nil {
		return 0, fmt.Errorf("directory: write snapshot: %w", err)
	}

	// ATTACH is per connection, so everything runs on one.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("directory: restore: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS snap`, snapshot); err != nil {
		return 0, fmt.Errorf("directory: attach snapshot: %w", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `DETACH DATABASE snap`)

	var tables int
	err = conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snap.sqlite_master WHERE type = 'table' AND name IN ('users', 'system_logs')`).Scan(&tables)
	if err != nil {
		return 0, fmt.Errorf("directory: inspect snapshot: %w", err)
	}
	if tables != 2 {
		return 0, fmt.Errorf("directory: restore: snapshot is not a panel database")
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("directory: restore: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM users`,
		`INSERT INTO users (` + userColumns + `) SELECT ` + userColumns + ` FROM snap.users`,
		`DELETE FROM system_logs`,
		`INSERT INTO system_logs (id, action, detail, created_at_unix)
		   SELECT id, action, detail, created_at_unix FROM snap.system_logs`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("directory: restore: %w", err)
		}
	}
	var users int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&users); err != nil {
		return 0, fmt.Errorf("directory: restore: count users: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("directory: restore: commit: %w", err)
	}
	s.logger.Info("directory restored from snapshot", "users", users)
	return users, nil
}

// EncryptBackup reads plaintext from r, encrypts it with password and
// writes the framed result to w.
func EncryptBackup(w io.Writer, r io.Reader, password string) error {
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("directory: read for encrypt: %w", err)
	}

	header := make([]byte, len(backupMagic)+saltSize+nonceSize)
	copy(header, backupMagic)
	if _, err := rand.Read(header[len(backupMagic):]); err != nil {
		return fmt.Errorf("directory: generate salt and nonce: %w", err)
	}
	salt := header[len(backupMagic) : len(backupMagic)+saltSize]
	nonce := header[len(backupMagic)+saltSize:]

	aead, err := backupCipher(password, salt)
	if err != nil {
		return err
	}
	if _, err := w.Write(aead.Seal(header, nonce, plaintext, nil)); err != nil {
		return fmt.Errorf("directory: write backup: %w", err)
	}
	return nil
}

// DecryptBackup decrypts a backup produced by EncryptBackup and writes the
// plaintext to w.
func DecryptBackup(w io.Writer, data []byte, password string) error {
	headerLen := len(backupMagic) + saltSize + nonceSize
	if !IsEncryptedBackup(data) || len(data) < headerLen {
		return fmt.Errorf("directory: not an encrypted backup")
	}
	salt := data[len(backupMagic) : len(backupMagic)+saltSize]
	nonce := data[len(backupMagic)+saltSize : headerLen]

	aead, err := backupCipher(password, salt)
	if err != nil {
		return err
	}
	plaintext, err := aead.Open(nil, nonce, data[headerLen:], nil)
	if err != nil {
		return fmt.Errorf("directory: decryption failed (wrong password?): %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("directory: write decrypted: %w", err)
	}
	return nil
}

func IsEncryptedBackup(data []byte) bool {
	return bytes.HasPrefix(data, backupMagic)
}
