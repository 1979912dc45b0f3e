// Package unlock implements the PIN check and the time-boxed, single-use
// one-time-code protocol used to authorize an early session end.
package unlock

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"focuslock/internal/domain"
	"focuslock/internal/events"
	"focuslock/internal/repo"
)

// CodeTTL is fixed: a code is valid for exactly one hour from generation.
const CodeTTL = time.Hour

const pinSettingKey = "pin_hash"

var ErrNoPIN = errors.New("no pin configured")

type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Sender Sender
	Now    func() time.Time
}

// Sender delivers a generated code to its destination (SMS, email). The
// protocol only needs success or failure back.
type Sender interface {
	Send(ctx context.Context, code, destination string) error
}

func New(db *sql.DB) *Service {
	return &Service{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func hashPIN(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}

// SetPIN stores the 4-digit unlock PIN, hashed.
func (s *Service) SetPIN(ctx context.Context, pin, actorID string) error {
	if len(pin) != 4 || !allDigits(pin) {
		return errors.New("pin must be exactly 4 digits")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.PutSetting(ctx, tx, pinSettingKey, hashPIN(pin)); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "unlock.pin_set", "unlock", "", actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CheckPIN compares the entered value against the stored PIN. There is no
// attempt counter or lockout.
func (s *Service) CheckPIN(ctx context.Context, entered string) (bool, error) {
	stored, err := s.Repo.GetSetting(ctx, pinSettingKey)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, ErrNoPIN
		}
		return false, err
	}
	got := hashPIN(entered)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(got)) == 1, nil
}

// GenerateCode mints a cryptographically random 4-digit code, overwriting
// any prior one; at most one valid code exists at a time.
func (s *Service) GenerateCode(ctx context.Context, actorID string) (domain.OneTimeCode, error) {
	code, err := randomCode()
	if err != nil {
		return domain.OneTimeCode{}, err
	}
	now := s.now().UnixMilli()
	otc := domain.OneTimeCode{
		Code:        code,
		GeneratedAt: now,
		ExpiresAt:   now + CodeTTL.Milliseconds(),
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OneTimeCode{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.PutOTC(ctx, tx, otc); err != nil {
		return domain.OneTimeCode{}, err
	}
	if err := s.Events.Append(ctx, tx, "unlock.code_generated", "unlock", "", actorID, events.EventPayload{
		"expires_at": otc.ExpiresAt,
	}); err != nil {
		return domain.OneTimeCode{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OneTimeCode{}, err
	}
	return otc, nil
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// ValidateCode checks an entered code against the outstanding one. Success
// consumes the code; expiry clears it; a plain mismatch leaves it valid
// until genuinely expired or consumed.
func (s *Service) ValidateCode(ctx context.Context, entered, actorID string) (bool, error) {
	otc, err := s.Repo.GetOTC(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	now := s.now().UnixMilli()
	if now > otc.ExpiresAt {
		if err := s.clearCode(ctx, "unlock.code_expired", actorID); err != nil {
			return false, err
		}
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(otc.Code), []byte(entered)) != 1 {
		return false, nil
	}
	if err := s.clearCode(ctx, "unlock.validated", actorID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) clearCode(ctx context.Context, evtType, actorID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.ClearOTC(ctx, tx); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, evtType, "unlock", "", actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RequestDelivery generates a fresh code and hands it to the transport. A
// failed send clears the code so no valid-but-undelivered code lingers for
// an hour.
func (s *Service) RequestDelivery(ctx context.Context, destination, actorID string) (bool, error) {
	if s.Sender == nil {
		return false, errors.New("no delivery transport configured")
	}
	otc, err := s.GenerateCode(ctx, actorID)
	if err != nil {
		return false, err
	}
	if err := s.Sender.Send(ctx, otc.Code, destination); err != nil {
		if clearErr := s.clearCode(ctx, "unlock.delivery_failed", actorID); clearErr != nil {
			return false, clearErr
		}
		return false, nil
	}
	return true, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
