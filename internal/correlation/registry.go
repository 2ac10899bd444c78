package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"conversation-orchestrator/backend/internal/models"
	apperrors "conversation-orchestrator/backend/pkg/errors"
)

// ErrTokenNotFound covers malformed, unknown, expired and retired tokens alike
var ErrTokenNotFound = apperrors.NewNotFoundError("TOKEN_NOT_FOUND", "correlation token not found")

// Correlation is the (session, turn) a token resolves to
type Correlation struct {
	Token     string
	SessionID string
	TurnID    string
	Kind      string
	CreatedAt time.Time
}

// Registry persists correlation tokens
type Registry struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewRegistry creates a registry. A ttl of zero disables expiry.
func NewRegistry(db *gorm.DB, ttl time.Duration) *Registry {
	return &Registry{db: db, ttl: ttl, now: time.Now}
}

// WithTx returns a registry bound to tx, so tokens are issued or retired in
// the caller's transaction
func (r *Registry) WithTx(tx *gorm.DB) *Registry {
	return &Registry{db: tx, ttl: r.ttl, now: r.now}
}

// WithClock returns a registry that reads time from now
func (r *Registry) WithClock(now func() time.Time) *Registry {
	return &Registry{db: r.db, ttl: r.ttl, now: now}
}

func notFound(token string) error {
	e := apperrors.NewNotFoundError(ErrTokenNotFound.Code, ErrTokenNotFound.Message)
	return e.WithDetails(map[string]string{"token": token})
}

func storeError(op string, err error) error {
	return apperrors.NewTransientError("CORRELATION_STORE", fmt.Sprintf("correlation %s failed", op), err)
}

// Issue creates and persists a token for (sessionID, turnID). payload is the
// outbound request, kept for audit.
func (r *Registry) Issue(ctx context.Context, sessionID, turnID, kind string, payload any) (string, error) {
	if sessionID == "" || turnID == "" {
		return "", apperrors.NewValidationError("INVALID_CORRELATION", "session and turn are required")
	}

	token, err := NewToken()
	if err != nil {
		return "", apperrors.NewInternalServerError("TOKEN_GENERATION", err.Error())
	}

	var encoded []byte
	if payload != nil {
		if encoded, err = json.Marshal(payload); err != nil {
			return "", apperrors.NewValidationError("INVALID_CORRELATION", "payload is not serializable")
		}
	}

	now := r.now().UTC()
	row := models.CorrelationToken{
		ID:        token,
		SessionID: sessionID,
		TurnID:    turnID,
		Kind:      kind,
		Payload:   string(encoded),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", storeError("issue", err)
	}
	return token, nil
}

// Resolve returns the live correlation for token
func (r *Registry) Resolve(ctx context.Context, token string) (Correlation, error) {
	if !ValidFormat(token) {
		return Correlation{}, notFound(token)
	}

	var row models.CorrelationToken
	err := r.db.WithContext(ctx).Where("id = ?", token).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Correlation{}, notFound(token)
		}
		return Correlation{}, storeError("resolve", err)
	}

	if row.Retired() || r.expired(row.CreatedAt) {
		return Correlation{}, notFound(token)
	}

	return Correlation{
		Token:     row.ID,
		SessionID: row.SessionID,
		TurnID:    row.TurnID,
		Kind:      row.Kind,
		CreatedAt: row.CreatedAt,
	}, nil
}

// Retire marks token consumed. Only one caller can retire a token; every
// later attempt gets not-found.
func (r *Registry) Retire(ctx context.Context, token string) error {
	if !ValidFormat(token) {
		return notFound(token)
	}

	now := r.now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.CorrelationToken{}).
		Where("id = ? AND retired_at IS NULL", token).
		Updates(map[string]any{"retired_at": &now, "updated_at": now})
	if res.Error != nil {
		return storeError("retire", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(token)
	}
	return nil
}

// RetireSession retires every live token of a session and returns how many
// were still outstanding
func (r *Registry) RetireSession(ctx context.Context, sessionID string) (int64, error) {
	now := r.now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.CorrelationToken{}).
		Where("session_id = ? AND retired_at IS NULL", sessionID).
		Updates(map[string]any{"retired_at": &now, "updated_at": now})
	if res.Error != nil {
		return 0, storeError("retire session", res.Error)
	}
	return res.RowsAffected, nil
}

// Sweep deletes tokens created more than olderThan ago, retired or not, and
// returns how many rows went away
func (r *Registry) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := r.now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.CorrelationToken{})
	if res.Error != nil {
		return 0, storeError("sweep", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *Registry) expired(createdAt time.Time) bool {
	return r.ttl > 0 && r.now().Sub(createdAt) >= r.ttl
}
