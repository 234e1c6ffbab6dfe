package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

var ErrIdentityNotFound = errors.New("identity not found")

const cacheTTL = 5 * time.Minute

// Identity is a dashboard user resolved from a session token.
type Identity struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	TokenHash string    `json:"token_hash"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (i *Identity) MarshalBinary() ([]byte, error) {
	return json.Marshal(i)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (i *Identity) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, i)
}

type Store interface {
	GetByToken(ctx context.Context, token string) (*Identity, error)
	Create(ctx context.Context, identity *Identity) error
	Revoke(ctx context.Context, identityID string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	usernameKey   contextKey = "username"
	identityIDKey contextKey = "identity_id"
	requestIDKey  contextKey = "request_id"
)

// HashToken returns the stored form of a session token.
func HashToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Generate RequestID
			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			// Extract Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeUnauthorized(w, "missing or invalid Authorization header")
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			redisKey := fmt.Sprintf("auth:%s", HashToken(token))

			var id Identity
			err := cache.Get(ctx, redisKey).Scan(&id)
			if err == nil {
				// Cache hit
				next.ServeHTTP(w, r.WithContext(withIdentity(ctx, &id)))
				return
			} else if err != redis.Nil {
				klog.Warningf("auth: redis error: %v", err)
			}

			// Cache miss or error: lookup in store
			found, err := store.GetByToken(ctx, token)
			if err != nil {
				if errors.Is(err, ErrIdentityNotFound) {
					writeUnauthorized(w, "invalid session token")
					return
				}
				klog.Errorf("auth: identity lookup failed: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			_ = cache.Set(ctx, redisKey, found, cacheTTL).Err()

			next.ServeHTTP(w, r.WithContext(withIdentity(ctx, found)))
		})
	}
}

func withIdentity(ctx context.Context, id *Identity) context.Context {
	ctx = context.WithValue(ctx, usernameKey, id.Username)
	return context.WithValue(ctx, identityIDKey, id.ID)
}

// Helpers to extract from context
func GetUsername(ctx context.Context) string {
	if name, ok := ctx.Value(usernameKey).(string); ok {
		return name
	}
	return ""
}

func GetIdentityID(ctx context.Context) string {
	if id, ok := ctx.Value(identityIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithIdentityID(ctx context.Context, identityID string) context.Context {
	return context.WithValue(ctx, identityIDKey, identityID)
}
