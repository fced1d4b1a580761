package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/elnosh/confirmations/ledger/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const listSeparator = ","

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "ledger.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() {
	sqlite.db.Close()
}

func (sqlite *SQLiteDB) SaveSeed(seed []byte) error {
	hexSeed := hex.EncodeToString(seed)

	_, err := sqlite.db.Exec(`
	INSERT INTO seed (id, seed) VALUES (?, ?)
	`, "id", hexSeed)

	return err
}

func (sqlite *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = ?", "id")
	err := row.Scan(&hexSeed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, err
	}

	return seed, nil
}

func (sqlite *SQLiteDB) SaveTokenRequest(request storage.TokenRequest) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO token_requests (nonce, creative_instance_id, blinded_tokens, signed_tokens,
			batch_proof, public_key, token_count, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, request.Nonce,
		request.CreativeInstanceId,
		strings.Join(request.BlindedTokens, listSeparator),
		strings.Join(request.SignedTokens, listSeparator),
		request.BatchProof,
		request.PublicKey,
		len(request.SignedTokens),
		request.CreatedAt,
	)

	return err
}

func (sqlite *SQLiteDB) GetTokenRequest(nonce string) (storage.TokenRequest, error) {
	var request storage.TokenRequest
	var blindedTokens, signedTokens string

	row := sqlite.db.QueryRow(`
		SELECT nonce, creative_instance_id, blinded_tokens, signed_tokens, batch_proof, public_key, created_at
		FROM token_requests WHERE nonce = ?
	`, nonce)

	err := row.Scan(
		&request.Nonce,
		&request.CreativeInstanceId,
		&blindedTokens,
		&signedTokens,
		&request.BatchProof,
		&request.PublicKey,
		&request.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TokenRequest{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.TokenRequest{}, err
	}

	request.BlindedTokens = splitList(blindedTokens)
	request.SignedTokens = splitList(signedTokens)
	return request, nil
}

func (sqlite *SQLiteDB) IssuedTokens() (uint64, error) {
	var issued uint64
	row := sqlite.db.QueryRow("SELECT COALESCE(SUM(token_count), 0) FROM token_requests")
	if err := row.Scan(&issued); err != nil {
		return 0, err
	}
	return issued, nil
}

func (sqlite *SQLiteDB) SaveConfirmation(confirmation storage.Confirmation) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO confirmations (id, creative_instance_id, type, credential, token_preimage,
			blinded_payment_token, signed_payment_token, payment_batch_proof, payment_public_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, confirmation.Id,
		confirmation.CreativeInstanceId,
		confirmation.Type,
		confirmation.Credential,
		confirmation.TokenPreimage,
		confirmation.BlindedPaymentToken,
		confirmation.SignedPaymentToken,
		confirmation.PaymentBatchProof,
		confirmation.PaymentPublicKey,
		confirmation.CreatedAt,
	)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey:
			return storage.ErrConfirmationExists
		case sqlite3.ErrConstraintUnique:
			return storage.ErrTokenSpent
		}
	}
	return err
}

func (sqlite *SQLiteDB) GetConfirmation(id string) (storage.Confirmation, error) {
	row := sqlite.db.QueryRow(`
		SELECT id, creative_instance_id, type, credential, token_preimage, blinded_payment_token,
			signed_payment_token, payment_batch_proof, payment_public_key, created_at
		FROM confirmations WHERE id = ?
	`, id)
	return scanConfirmation(row)
}

func (sqlite *SQLiteDB) GetConfirmationByPreimage(preimage string) (storage.Confirmation, error) {
	row := sqlite.db.QueryRow(`
		SELECT id, creative_instance_id, type, credential, token_preimage, blinded_payment_token,
			signed_payment_token, payment_batch_proof, payment_public_key, created_at
		FROM confirmations WHERE token_preimage = ?
	`, preimage)
	return scanConfirmation(row)
}

func scanConfirmation(row *sql.Row) (storage.Confirmation, error) {
	var confirmation storage.Confirmation
	err := row.Scan(
		&confirmation.Id,
		&confirmation.CreativeInstanceId,
		&confirmation.Type,
		&confirmation.Credential,
		&confirmation.TokenPreimage,
		&confirmation.BlindedPaymentToken,
		&confirmation.SignedPaymentToken,
		&confirmation.PaymentBatchProof,
		&confirmation.PaymentPublicKey,
		&confirmation.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Confirmation{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Confirmation{}, err
	}
	return confirmation, nil
}

func splitList(list string) []string {
	if len(list) == 0 {
		return []string{}
	}
	return strings.Split(list, listSeparator)
}
