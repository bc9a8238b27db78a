package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	model "auction-engine/internal/models"
	"auction-engine/services/bidding/helpers"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// RequestLoggerMiddleware logs incoming requests with timing
func RequestLoggerMiddleware(c *gin.Context) {
	start := time.Now()

	c.Next() // process request

	fields := map[string]any{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"latency": time.Since(start).String(),
	}
	if id, ok := helpers.IdentityFrom(c); ok {
		fields["user_id"] = id.UserID
	}
	utils.Info("HTTP Request", fields)
}

// Claims carried by the identity provider's tokens. The user id is read from
// user_id, falling back to the standard sub claim.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// AuthMiddleware verifies HS256 bearer tokens and stores the caller identity
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			utils.JSONAbort(c, http.StatusUnauthorized, errMissingToken, "authentication required")
			return
		}

		identity, err := parseToken(parts[1], secret)
		if err != nil {
			utils.Warn("AuthMiddleware: token rejected", map[string]any{"path": c.Request.URL.Path, "error": err.Error()})
			utils.JSONAbort(c, http.StatusUnauthorized, err, "invalid token")
			return
		}

		helpers.SetIdentity(c, identity)
		c.Next()
	}
}

func parseToken(raw string, secret []byte) (model.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %w", errInvalidToken, err)
	}
	if !token.Valid {
		return model.Identity{}, errInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return model.Identity{}, fmt.Errorf("%w: no subject", errInvalidToken)
	}
	return model.Identity{UserID: userID, Role: claims.Role}, nil
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per authenticated user, or per client IP
// when no identity is present
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

var errRateLimited = errors.New("rate limit exceeded")

// Handler must run after AuthMiddleware to key on the user
func (rl *RateLimiter) Handler(c *gin.Context) {
	key := c.ClientIP()
	if id, ok := helpers.IdentityFrom(c); ok {
		key = "user:" + id.UserID
	}

	if !rl.getLimiter(key).Allow() {
		utils.Warn("RateLimiter: request throttled", map[string]any{
			"key":    key,
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		})
		c.Header("Retry-After", "1")
		utils.JSONAbort(c, http.StatusTooManyRequests, errRateLimited, "too many requests")
		return
	}
	c.Next()
}

// Cleanup drops limiters idle for longer than maxIdle
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// StartCleanup runs Cleanup every interval until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup(interval)
			}
		}
	}()
}
