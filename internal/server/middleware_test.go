package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	model "auction-engine/internal/models"
	handler "auction-engine/services/bidding/handler"
	"auction-engine/services/bidding/helpers"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, method jwt.SigningMethod, secret []byte, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func validClaims(userID, role string) Claims {
	return Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func identityEcho() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", AuthMiddleware(testSecret), func(c *gin.Context) {
		id, _ := helpers.IdentityFrom(c)
		c.JSON(http.StatusOK, id)
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	subOnly := validClaims("", "")
	subOnly.Subject = "bob"

	expired := validClaims("alice", "")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	tests := []struct {
		name           string
		header         string
		expectedStatus int
		expectedID     model.Identity
	}{
		{
			name:           "valid_token",
			header:         "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("alice", "")),
			expectedStatus: http.StatusOK,
			expectedID:     model.Identity{UserID: "alice"},
		},
		{
			name:           "operator_role",
			header:         "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("ops", model.RoleOperator)),
			expectedStatus: http.StatusOK,
			expectedID:     model.Identity{UserID: "ops", Role: model.RoleOperator},
		},
		{
			name:           "subject_fallback",
			header:         "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, subOnly),
			expectedStatus: http.StatusOK,
			expectedID:     model.Identity{UserID: "bob"},
		},
		{
			name:           "missing_header",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "not_bearer",
			header:         "Basic YWxpY2U6cHc=",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "wrong_secret",
			header:         "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims("alice", "")),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "wrong_algorithm",
			header:         "Bearer " + signToken(t, jwt.SigningMethodHS512, testSecret, validClaims("alice", "")),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "expired",
			header:         "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, expired),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "no_subject",
			header:         "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("", "")),
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			identityEcho().ServeHTTP(w, req)

			require.Equal(t, tc.expectedStatus, w.Code)
			if tc.expectedStatus == http.StatusOK {
				var got model.Identity
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
				require.Equal(t, tc.expectedID, got)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	rl := NewRateLimiter(0.001, 2)
	router := gin.New()
	router.POST("/bid", AuthMiddleware(testSecret), rl.Handler, func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	post := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/bid", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, testSecret, validClaims(user, "")))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusNoContent, post("alice"))
	require.Equal(t, http.StatusNoContent, post("alice"))
	require.Equal(t, http.StatusTooManyRequests, post("alice"))

	// limits are per user
	require.Equal(t, http.StatusNoContent, post("bob"))

	rl.Cleanup(0)
	rl.mu.Lock()
	require.Empty(t, rl.limiters)
	rl.mu.Unlock()
}

func TestSetupRouter(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	mockService := handler.NewMockBiddingServiceInterface(gomock.NewController(t))
	router := SetupRouter(Dependencies{
		Service:   mockService,
		JWTSecret: testSecret,
		Limiter:   NewRateLimiter(100, 100),
	})

	t.Run("health", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), "auction_engine_")
	})

	t.Run("reads_are_public", func(t *testing.T) {
		mockService.EXPECT().ListAuctions(gomock.Any()).Return(nil, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auctions", nil))
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("writes_need_a_token", func(t *testing.T) {
		w := httptest.NewRecorder()
		body := strings.NewReader(`{"amount":110}`)
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auctions/a1/bids", body))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
