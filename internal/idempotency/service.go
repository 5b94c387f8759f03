// Package idempotency converts mutating requests into short-lived
// exclusivity locks so retries, double-clicks and replayed submissions
// cannot apply the same mutation twice.
//
// Two policies coexist. The backend policy derives the key from the
// request content itself (endpoint, user and a digest of the payload)
// with a short window, so identical submissions in quick succession are
// rejected outright. The legacy policy trusts a client-supplied token
// with a long window and replays the stored response to retries, so a
// client that lost the first response still gets exactly one mutation.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"main/internal/store"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	// ErrDuplicate means an identical request is already in flight or just
	// completed inside the dedup window. Callers surface it as "too many
	// requests, retry shortly".
	ErrDuplicate = errors.New("idempotency: duplicate request")
	// ErrConflict means a client token was reused for a different payload.
	ErrConflict = errors.New("idempotency: key reused with different request")
)

const (
	// BackendWindow is how long two identical submissions are treated as
	// one. Long enough to absorb double-clicks and gateway retries, short
	// enough that a deliberate re-submission goes through.
	BackendWindow = 5 * time.Second
	// LegacyWindow is the validity of a client-supplied token.
	LegacyWindow = 24 * time.Hour
)

// Repository is the persistence surface the service needs, implemented by
// store.IdempotencyRecords.
type Repository interface {
	FindActive(ctx context.Context, key string, userID int64, userType, endpoint string) (*store.IdempotencyRecord, error)
	FindByKey(ctx context.Context, key string) (*store.IdempotencyRecord, error)
	Create(ctx context.Context, rec *store.IdempotencyRecord) (created bool, err error)
	Update(ctx context.Context, rec *store.IdempotencyRecord) error
	DeleteByKey(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Request identifies one mutating call.
type Request struct {
	UserID   int64
	UserType string
	Endpoint string
	// Payload is the request body. Its canonical form feeds the derived key.
	Payload map[string]any
	// ClientToken, when set, routes the request through the legacy policy.
	ClientToken string
}

// Outcome reports how a request was resolved.
type Outcome struct {
	// Key is the idempotency key the request locked.
	Key string
	// Replayed is true when the legacy policy returned a stored response
	// instead of admitting a new mutation.
	Replayed bool
	// Response is the stored response body on replay.
	Response string
}

// Service applies the deduplication policies over a shared repository.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService builds the idempotency service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// DeriveKey produces the content-addressed key for the backend policy.
// The user and endpoint are folded into the hashed document so the same
// payload from two users, or against two endpoints, never collides.
func DeriveKey(userID int64, endpoint string, payload map[string]any) (string, error) {
	doc := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		doc[k] = v
	}
	doc["user_id"] = userID
	doc["endpoint"] = endpoint

	canonical, err := canonicalJSON(doc)
	if err != nil {
		return "", errors.Wrap(err, "canonicalize request payload")
	}
	sum := sha256.Sum256(canonical)
	digest := hex.EncodeToString(sum[:])
	return fmt.Sprintf("backend_%s_%d_%s", endpoint, userID, digest[:16]), nil
}

// canonicalJSON renders the document with keys sorted at every level so the
// digest is independent of map iteration order.
func canonicalJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := canonicalJSON(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			vb, err := canonicalJSON(item)
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}

// Begin acquires the exclusivity lock for req, routing to the policy the
// request selects. On success the caller must finish with Complete or Fail.
func (s *Service) Begin(ctx context.Context, req Request) (*Outcome, error) {
	if req.ClientToken != "" {
		return s.beginLegacy(ctx, req)
	}
	return s.beginBackend(ctx, req)
}

func (s *Service) beginBackend(ctx context.Context, req Request) (*Outcome, error) {
	key, err := DeriveKey(req.UserID, req.Endpoint, req.Payload)
	if err != nil {
		return nil, err
	}

	// Expired rows still hold the unique key until deleted; purge first so
	// a stale row from a previous window cannot masquerade as a conflict.
	if _, err := s.repo.DeleteExpired(ctx, s.now().UTC()); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindActive(ctx, key, req.UserID, req.UserType, req.Endpoint)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logs.Warnf("duplicate %s request from user %d within window, key %s", req.Endpoint, req.UserID, key)
		return nil, ErrDuplicate
	}

	now := s.now().UTC()
	created, err := s.repo.Create(ctx, &store.IdempotencyRecord{
		IdempotencyKey: key,
		UserID:         req.UserID,
		UserType:       req.UserType,
		EndpointName:   req.Endpoint,
		RequestHash:    requestHash(req),
		Status:         store.StatusProcessing,
		CreatedAt:      now,
		ExpiresAt:      now.Add(BackendWindow),
	})
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost the insert race to a concurrent identical request.
		return nil, ErrDuplicate
	}
	return &Outcome{Key: key}, nil
}

// requestHash digests the payload plus the requester's identity, so the
// same body from another account never matches.
func requestHash(req Request) string {
	doc := make(map[string]any, len(req.Payload)+2)
	for k, v := range req.Payload {
		doc[k] = v
	}
	doc["user_id"] = req.UserID
	doc["user_type"] = req.UserType
	canonical, err := canonicalJSON(doc)
	if err != nil {
		// Payload already survived json decoding; re-encoding cannot fail.
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func (s *Service) beginLegacy(ctx context.Context, req Request) (*Outcome, error) {
	hash := requestHash(req)

	existing, err := s.repo.FindByKey(ctx, req.ClientToken)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if existing != nil {
		if existing.ExpiresAt.After(now) {
			if existing.RequestHash != hash {
				return nil, ErrConflict
			}
			if existing.Status == store.StatusCompleted {
				return &Outcome{Key: req.ClientToken, Replayed: true, Response: existing.ResponseData}, nil
			}
			// Still processing, or the first attempt failed inside the window.
			return nil, ErrDuplicate
		}
		// The token outlived its window but the row still holds the unique
		// key. Clear it now instead of bouncing the client until the
		// sweeper runs.
		if err := s.repo.DeleteByKey(ctx, req.ClientToken); err != nil {
			return nil, err
		}
	}

	created, err := s.repo.Create(ctx, &store.IdempotencyRecord{
		IdempotencyKey: req.ClientToken,
		UserID:         req.UserID,
		UserType:       req.UserType,
		EndpointName:   req.Endpoint,
		RequestHash:    hash,
		Status:         store.StatusProcessing,
		CreatedAt:      now,
		ExpiresAt:      now.Add(LegacyWindow),
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrDuplicate
	}
	return &Outcome{Key: req.ClientToken}, nil
}

// Complete marks the locked request as applied and stores the response so
// legacy retries can replay it.
func (s *Service) Complete(ctx context.Context, key, response, referenceID string) error {
	return s.transition(ctx, key, store.StatusCompleted, response, referenceID)
}

// Fail marks the locked request as failed. The record stays until expiry so
// an immediate identical retry is still throttled.
func (s *Service) Fail(ctx context.Context, key string) error {
	return s.transition(ctx, key, store.StatusFailed, "", "")
}

func (s *Service) transition(ctx context.Context, key, status, response, referenceID string) error {
	rec, err := s.repo.FindByKey(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.Errorf("idempotency record %s vanished before %s", key, status)
	}
	rec.Status = status
	if response != "" {
		rec.ResponseData = response
	}
	if referenceID != "" {
		rec.ReferenceID = referenceID
	}
	return s.repo.Update(ctx, rec)
}
