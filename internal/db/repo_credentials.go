package db

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"opencollective/server/internal/tokenstore"
)

// CredentialStore is a tokenstore.Store backed by the opencollective_tokens
// table. Records are encrypted at rest.
type CredentialStore struct {
	db   *gorm.DB
	name string
	key  []byte
}

var _ tokenstore.Store = (*CredentialStore)(nil)

// NewCredentialStore stores the record under name using the given AES-256 key.
func NewCredentialStore(database *gorm.DB, name string, key []byte) *CredentialStore {
	if name == "" {
		name = "default"
	}
	return &CredentialStore{db: database, name: name, key: key}
}

func (s *CredentialStore) location() string { return "postgres:" + s.name }

// Save encrypts and upserts the record.
func (s *CredentialStore) Save(ctx context.Context, rec tokenstore.Record) error {
	if !rec.Valid() {
		return &tokenstore.Error{Op: "save", Path: s.location(), Err: tokenstore.ErrInvalidRecord}
	}
	plain, err := json.Marshal(rec.Normalize())
	if err != nil {
		return &tokenstore.Error{Op: "save", Path: s.location(), Err: errors.Wrap(err, "encode")}
	}
	enc, err := encrypt(s.key, plain)
	if err != nil {
		return &tokenstore.Error{Op: "save", Path: s.location(), Err: errors.Wrap(err, "encrypt")}
	}

	cred := TokenCredential{
		Name:                 s.name,
		EncryptedCredentials: enc,
		KeyVersion:           1,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"encrypted_credentials", "key_version", "updated_at"}),
	}).Create(&cred).Error; err != nil {
		return &tokenstore.Error{Op: "save", Path: s.location(), Err: err}
	}
	return nil
}

// Load returns the decrypted record, or ok=false when no row exists.
func (s *CredentialStore) Load(ctx context.Context) (tokenstore.Record, bool, error) {
	var cred TokenCredential
	err := s.db.WithContext(ctx).Where("name = ?", s.name).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tokenstore.Record{}, false, nil
		}
		return tokenstore.Record{}, false, &tokenstore.Error{Op: "load", Path: s.location(), Err: err}
	}

	plain, err := decrypt(s.key, cred.EncryptedCredentials)
	if err != nil {
		return tokenstore.Record{}, false, &tokenstore.Error{
			Op: "load", Path: s.location(), Corrupt: true, Err: errors.Wrap(err, "decrypt"),
		}
	}
	rec, err := tokenstore.Parse(plain)
	if err != nil {
		return tokenstore.Record{}, false, &tokenstore.Error{Op: "load", Path: s.location(), Corrupt: true, Err: err}
	}
	return rec, true, nil
}

// Delete removes the row. Deleting a missing row is not an error.
func (s *CredentialStore) Delete(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("name = ?", s.name).Delete(&TokenCredential{}).Error; err != nil {
		return &tokenstore.Error{Op: "delete", Path: s.location(), Err: err}
	}
	return nil
}
