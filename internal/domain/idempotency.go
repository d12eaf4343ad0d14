package domain

import (
	"strings"
	"time"
)

// DefaultIdempotencyTTL: срок жизни ключа, если заявка его не задала.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus: состояние чекаута, занявшего ключ.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	// IdempotencyStatusFailed: сага не создала транзакцию, ключ можно занять повторно.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

func (s IdempotencyStatus) Valid() bool {
	return s == IdempotencyStatusProcessing || s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyRecord связывает клиентский ключ с результатом саги.
type IdempotencyRecord struct {
	Key           string
	UserID        int64
	RequestHash   string
	TransactionID int64
	FailureReason string
	Status        IdempotencyStatus
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IdempotencyClaim: заявка на ключ перед запуском саги.
type IdempotencyClaim struct {
	Key         string
	UserID      int64
	RequestHash string
	ExpiresAt   time.Time
}

// Normalize обрезает пробелы, проверяет обязательные поля и подставляет срок жизни.
func (c IdempotencyClaim) Normalize(now time.Time) (IdempotencyClaim, error) {
	c.Key = strings.TrimSpace(c.Key)
	c.RequestHash = strings.TrimSpace(c.RequestHash)
	if c.Key == "" {
		return c, ErrIdempotencyKeyRequired
	}
	if c.RequestHash == "" {
		return c, ErrIdempotencyRequestHashRequired
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = now.Add(DefaultIdempotencyTTL)
	}
	return c, nil
}

// Record: запись processing, которую создаёт успешная заявка.
func (c IdempotencyClaim) Record(now time.Time) IdempotencyRecord {
	return IdempotencyRecord{
		Key:         c.Key,
		UserID:      c.UserID,
		RequestHash: c.RequestHash,
		Status:      IdempotencyStatusProcessing,
		ExpiresAt:   c.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Against объясняет, почему заявка не заняла ключ, уже принадлежащий existing.
func (c IdempotencyClaim) Against(existing IdempotencyRecord) error {
	if existing.UserID != c.UserID || existing.RequestHash != c.RequestHash {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}
