package sqlite

import (
	"bytes"
	"errors"
	"log"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/elnosh/confirmations/ledger/storage"
	"github.com/google/uuid"
)

var (
	db *SQLiteDB
)

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testsqlite"
	err := os.MkdirAll(dbpath, 0750)
	if err != nil {
		return 1, err
	}

	db, err = InitSQLite(dbpath)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	return m.Run(), nil
}

func TestSeed(t *testing.T) {
	if _, err := db.GetSeed(); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrNotFound, err)
	}

	seed := []byte("ledger seed bytes")
	if err := db.SaveSeed(seed); err != nil {
		t.Fatalf("error saving seed: %v", err)
	}

	dbSeed, err := db.GetSeed()
	if err != nil {
		t.Fatalf("error getting seed: %v", err)
	}
	if !bytes.Equal(seed, dbSeed) {
		t.Fatalf("expected '%x' but got '%x'", seed, dbSeed)
	}
}

func TestTokenRequest(t *testing.T) {
	request := storage.TokenRequest{
		Nonce:              uuid.NewString(),
		CreativeInstanceId: uuid.NewString(),
		BlindedTokens:      []string{"Ag/blinded+1=", "Ag/blinded+2="},
		SignedTokens:       []string{"Aw/signed+1=", "Aw/signed+2="},
		BatchProof:         "proof",
		PublicKey:          "publickey",
		CreatedAt:          time.Now().Unix(),
	}

	issuedBefore, err := db.IssuedTokens()
	if err != nil {
		t.Fatalf("error getting issued tokens: %v", err)
	}

	if err := db.SaveTokenRequest(request); err != nil {
		t.Fatalf("error saving token request: %v", err)
	}

	dbRequest, err := db.GetTokenRequest(request.Nonce)
	if err != nil {
		t.Fatalf("error getting token request: %v", err)
	}
	if !reflect.DeepEqual(request, dbRequest) {
		t.Fatalf("expected '%+v' but got '%+v'", request, dbRequest)
	}

	issued, err := db.IssuedTokens()
	if err != nil {
		t.Fatalf("error getting issued tokens: %v", err)
	}
	if issued != issuedBefore+2 {
		t.Fatalf("expected '%v' but got '%v'", issuedBefore+2, issued)
	}

	if _, err := db.GetTokenRequest(uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrNotFound, err)
	}
}

func TestConfirmation(t *testing.T) {
	confirmation := storage.Confirmation{
		Id:                  uuid.NewString(),
		CreativeInstanceId:  uuid.NewString(),
		Type:                "view",
		Credential:          "credential",
		TokenPreimage:       "preimage-1",
		BlindedPaymentToken: "blinded",
		SignedPaymentToken:  "signed",
		PaymentBatchProof:   "proof",
		PaymentPublicKey:    "publickey",
		CreatedAt:           time.Now().Unix(),
	}

	if err := db.SaveConfirmation(confirmation); err != nil {
		t.Fatalf("error saving confirmation: %v", err)
	}

	dbConfirmation, err := db.GetConfirmation(confirmation.Id)
	if err != nil {
		t.Fatalf("error getting confirmation: %v", err)
	}
	if !reflect.DeepEqual(confirmation, dbConfirmation) {
		t.Fatalf("expected '%+v' but got '%+v'", confirmation, dbConfirmation)
	}

	byPreimage, err := db.GetConfirmationByPreimage(confirmation.TokenPreimage)
	if err != nil {
		t.Fatalf("error getting confirmation by preimage: %v", err)
	}
	if byPreimage.Id != confirmation.Id {
		t.Fatalf("expected '%v' but got '%v'", confirmation.Id, byPreimage.Id)
	}

	// same preimage under a different id is a double spend
	doubleSpend := confirmation
	doubleSpend.Id = uuid.NewString()
	if err := db.SaveConfirmation(doubleSpend); !errors.Is(err, storage.ErrTokenSpent) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrTokenSpent, err)
	}

	sameId := confirmation
	sameId.TokenPreimage = "preimage-2"
	if err := db.SaveConfirmation(sameId); !errors.Is(err, storage.ErrConfirmationExists) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrConfirmationExists, err)
	}

	if _, err := db.GetConfirmation(uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrNotFound, err)
	}
}
