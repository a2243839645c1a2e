package store

import (
	"database/sql"
	"fmt"
)

// SaveSecret stores a provider credential already encrypted by the
// vault. The store never sees plaintext.
func (s *Store) SaveSecret(provider string, ciphertext, nonce []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO secrets (provider, ciphertext, nonce, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(provider) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			updated_at = CURRENT_TIMESTAMP`,
		provider, ciphertext, nonce)
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecret(provider string) (ciphertext, nonce []byte, err error) {
	row := s.db.QueryRow(`SELECT ciphertext, nonce FROM secrets WHERE provider = ?`, provider)
	err = row.Scan(&ciphertext, &nonce)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get secret: %w", err)
	}
	return ciphertext, nonce, nil
}

func (s *Store) DeleteSecret(provider string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE provider = ?`, provider)
	return err
}
