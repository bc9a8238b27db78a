package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/broadcast"
	"auction-engine/internal/ledger"
	"auction-engine/internal/repository"
	"auction-engine/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSecret = "integration-secret"

// testClock is a settable clock shared by the service under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestEnv is a fully wired engine on the in-memory store
type TestEnv struct {
	Router  *gin.Engine
	Repo    *repository.MemoryRepo
	Hub     *broadcast.Hub
	Service *bidding.BiddingService
	Clock   *testClock
}

// SetupTestEnv initializes the router with in-memory repository for integration testing.
func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	repo := repository.NewMemoryRepo()
	hub := broadcast.NewHub(broadcast.DefaultQueueSize)
	go hub.Run(ctx)

	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	service := bidding.NewBiddingService(repo, repo, hub, bidding.WithClock(clock.Now))

	router := server.SetupRouter(server.Dependencies{
		Service:          service,
		Subscriptions:    hub,
		JWTSecret:        []byte(testSecret),
		Limiter:          server.NewRateLimiter(1000, 1000),
		SubscriberBuffer: broadcast.DefaultSubscriberBuffer,
	})

	return &TestEnv{Router: router, Repo: repo, Hub: hub, Service: service, Clock: clock}
}

// Token signs an identity-provider token for userID
func Token(t *testing.T, userID, role string) string {
	t.Helper()
	claims := server.Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

// Fund sets the balance of userID's default account
func (e *TestEnv) Fund(userID string, amount int64) {
	e.Repo.SetBalance(userID, ledger.DefaultAccountType, decimal.NewFromInt(amount))
}

func (e *TestEnv) Balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	b, err := e.Repo.GetBalance(context.Background(), userID, ledger.DefaultAccountType)
	require.NoError(t, err)
	return b
}

// ExecuteRequestAndParse executes an HTTP request on the router and parses the
// response. On success the "data" envelope is unwrapped.
func (e *TestEnv) ExecuteRequestAndParse(t *testing.T, method, url, token string, body any) (map[string]any, *httptest.ResponseRecorder) {
	t.Helper()

	var reqBody []byte
	switch v := body.(type) {
	case nil:
	case []byte:
		reqBody = v
	case string:
		reqBody = []byte(v)
	default:
		var err error
		reqBody, err = json.Marshal(v)
		require.NoError(t, err, "failed to marshal body")
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, url, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	e.Router.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "failed to unmarshal response")
		if w.Code < 300 {
			if data, ok := resp["data"].(map[string]any); ok {
				resp = data
			}
		}
	}
	return resp, w
}

// CreateActiveAuction creates an auction as creatorID and opens it
func (e *TestEnv) CreateActiveAuction(t *testing.T, creatorID string, startingPrice, increment int64) string {
	t.Helper()
	token := Token(t, creatorID, "")
	now := e.Clock.Now()

	resp, w := e.ExecuteRequestAndParse(t, "POST", "/auctions", token, map[string]any{
		"title":          "Principal's parking spot for a week",
		"starting_price": startingPrice,
		"min_increment":  increment,
		"start_time":     now,
		"end_time":       now.Add(time.Hour),
	})
	require.Equal(t, 201, w.Code, w.Body.String())
	auctionID := resp["auction_id"].(string)

	_, w = e.ExecuteRequestAndParse(t, "POST", "/auctions/"+auctionID+"/activate", token, nil)
	require.Equal(t, 200, w.Code, w.Body.String())
	return auctionID
}
