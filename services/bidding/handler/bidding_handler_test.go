package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"auction-engine/services/bidding/helpers"

	"github.com/gin-gonic/gin"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	alice   = model.Identity{UserID: "alice"}
	creator = model.Identity{UserID: "creator"}
	now     = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
)

type decimalMatcher struct{ want decimal.Decimal }

func (m decimalMatcher) Matches(x any) bool {
	d, ok := x.(decimal.Decimal)
	return ok && d.Equal(m.want)
}

func (m decimalMatcher) String() string { return "is decimal " + m.want.String() }

func decEq(s string) gomock.Matcher { return decimalMatcher{want: decimal.RequireFromString(s)} }

// newTestRouter wires one handler method behind a stub auth middleware.
// A zero identity leaves the request unauthenticated.
func newTestRouter(t *testing.T, who model.Identity, register func(r *gin.Engine, h *BiddingHandler)) (*gin.Engine, *MockBiddingServiceInterface) {
	t.Helper()
	helpers.RegisterValidators()
	gin.SetMode(gin.TestMode)

	ctrl := gomock.NewController(t)
	mockService := NewMockBiddingServiceInterface(ctrl)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if who.UserID != "" {
			helpers.SetIdentity(c, who)
		}
	})
	register(router, NewBiddingHandler(mockService))
	return router, mockService
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func activeAuction(id string) model.Auction {
	return model.Auction{
		AuctionID:     id,
		Title:         "Signed yearbook",
		StartingPrice: decimal.NewFromInt(100),
		CurrentPrice:  decimal.NewFromInt(110),
		MinIncrement:  decimal.NewFromInt(5),
		StartTime:     now.Add(-time.Hour),
		EndTime:       now.Add(time.Hour),
		State:         model.StateActive,
		CreatorID:     creator.UserID,
		BidCount:      1,
	}
}

// Test PlaceBidHandler
func TestPlaceBidHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		who            model.Identity
		requestBody    any
		mockSetup      func(m *MockBiddingServiceInterface)
		expectedStatus int
		expectedMsg    string
		validateData   func(t *testing.T, data map[string]any)
	}{
		{
			name:        "success_valid_bid",
			who:         alice,
			requestBody: map[string]any{"amount": 110, "comment": "go team"},
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().
					PlaceBid(gomock.Any(), "a1", alice, decEq("110"), "go team").
					Return(model.Bid{
						BidID:     uuid.NewString(),
						AuctionID: "a1",
						BidderID:  alice.UserID,
						Amount:    decimal.NewFromInt(110),
						Comment:   "go team",
						Seq:       1,
						CreatedAt: now,
					}, activeAuction("a1"), nil)
			},
			expectedStatus: http.StatusCreated,
			expectedMsg:    "bid placed successfully",
			validateData: func(t *testing.T, data map[string]any) {
				bid := data["bid"].(map[string]any)
				_, parseErr := uuid.Parse(bid["bid_id"].(string))
				require.NoError(t, parseErr, "BidID should be a valid UUID")
				require.Equal(t, "alice", bid["bidder_id"])
				require.Equal(t, "110", bid["amount"])
				require.Equal(t, float64(1), bid["seq"])

				auction := data["auction"].(map[string]any)
				require.Equal(t, "110", auction["current_price"])
				require.Equal(t, "ACTIVE", auction["state"])
			},
		},
		{
			name:        "fractional_amount_as_string",
			who:         alice,
			requestBody: `{"amount":"110.50"}`,
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().
					PlaceBid(gomock.Any(), "a1", alice, decEq("110.5"), "").
					Return(model.Bid{BidID: uuid.NewString(), Amount: decimal.RequireFromString("110.50"), CreatedAt: now}, activeAuction("a1"), nil)
			},
			expectedStatus: http.StatusCreated,
			expectedMsg:    "bid placed successfully",
		},
		{
			name:           "invalid_json",
			who:            alice,
			requestBody:    `{invalid json}`,
			mockSetup:      func(*MockBiddingServiceInterface) {},
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "invalid request payload",
		},
		{
			name:           "missing_amount",
			who:            alice,
			requestBody:    map[string]any{"comment": "hi"},
			mockSetup:      func(*MockBiddingServiceInterface) {},
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "invalid request payload",
		},
		{
			name:           "negative_amount",
			who:            alice,
			requestBody:    map[string]any{"amount": -10},
			mockSetup:      func(*MockBiddingServiceInterface) {},
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "invalid request payload",
		},
		{
			name:           "unauthenticated",
			requestBody:    map[string]any{"amount": 110},
			mockSetup:      func(*MockBiddingServiceInterface) {},
			expectedStatus: http.StatusUnauthorized,
			expectedMsg:    "authentication required",
		},
		{
			name:        "rejected_below_minimum",
			who:         alice,
			requestBody: map[string]any{"amount": 111},
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().
					PlaceBid(gomock.Any(), "a1", alice, decEq("111"), "").
					Return(model.Bid{}, model.Auction{}, biddingerrors.Reject(biddingerrors.ErrBelowMinimumBid, "minimum is 115"))
			},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedMsg:    "bid below minimum",
		},
		{
			name:        "rejected_insufficient_funds",
			who:         alice,
			requestBody: map[string]any{"amount": 500},
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().
					PlaceBid(gomock.Any(), "a1", alice, decEq("500"), "").
					Return(model.Bid{}, model.Auction{}, biddingerrors.Reject(biddingerrors.ErrInsufficientFunds, "balance 20"))
			},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedMsg:    "insufficient funds",
		},
		{
			name:        "rejected_self_bid",
			who:         alice,
			requestBody: map[string]any{"amount": 200},
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().
					PlaceBid(gomock.Any(), "a1", alice, decEq("200"), "").
					Return(model.Bid{}, model.Auction{}, biddingerrors.Reject(biddingerrors.ErrSelfBiddingForbidden, ""))
			},
			expectedStatus: http.StatusForbidden,
			expectedMsg:    "self bidding forbidden",
		},
		{
			name:        "auction_not_found",
			who:         alice,
			requestBody: map[string]any{"amount": 200},
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().
					PlaceBid(gomock.Any(), "a1", alice, decEq("200"), "").
					Return(model.Bid{}, model.Auction{}, fmt.Errorf("service: %w", biddingerrors.ErrAuctionNotFound))
			},
			expectedStatus: http.StatusNotFound,
			expectedMsg:    "auction not found",
		},
		{
			name:        "service_invalid_bid",
			who:         alice,
			requestBody: map[string]any{"amount": 200, "comment": "x"},
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().
					PlaceBid(gomock.Any(), "a1", alice, decEq("200"), "x").
					Return(model.Bid{}, model.Auction{}, biddingerrors.ErrInvalidBid)
			},
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "invalid bid details",
		},
		{
			name:        "service_generic_error",
			who:         alice,
			requestBody: map[string]any{"amount": 200},
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().
					PlaceBid(gomock.Any(), "a1", alice, decEq("200"), "").
					Return(model.Bid{}, model.Auction{}, errors.New("database failure"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedMsg:    "internal server error",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			router, mockService := newTestRouter(t, tc.who, func(r *gin.Engine, h *BiddingHandler) {
				r.POST("/auctions/:auction_id/bids", h.PlaceBidHandler)
			})
			tc.mockSetup(mockService)

			status, resp := doJSON(t, router, http.MethodPost, "/auctions/a1/bids", tc.requestBody)
			require.Equal(t, tc.expectedStatus, status)
			require.Contains(t, resp["message"], tc.expectedMsg)

			if tc.validateData != nil {
				tc.validateData(t, resp["data"].(map[string]any))
			}
		})
	}
}

// Test CreateAuctionHandler
func TestCreateAuctionHandler(t *testing.T) {
	t.Parallel()

	valid := map[string]any{
		"title":          "Signed yearbook",
		"description":    "class of 2024",
		"starting_price": 100,
		"min_increment":  5,
		"start_time":     now,
		"end_time":       now.Add(time.Hour),
	}
	with := func(key string, value any) map[string]any {
		out := make(map[string]any, len(valid))
		for k, v := range valid {
			out[k] = v
		}
		if value == nil {
			delete(out, key)
		} else {
			out[key] = value
		}
		return out
	}

	tests := []struct {
		name           string
		requestBody    any
		mockSetup      func(m *MockBiddingServiceInterface)
		expectedStatus int
		expectedMsg    string
	}{
		{
			name:        "success",
			requestBody: valid,
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().
					CreateAuction(gomock.Any(), creator, gomock.Any()).
					DoAndReturn(func(_ context.Context, _ model.Identity, in model.NewAuction) (model.Auction, error) {
						require.Equal(t, "Signed yearbook", in.Title)
						require.True(t, in.StartingPrice.Equal(decimal.NewFromInt(100)))
						require.True(t, in.MinIncrement.Equal(decimal.NewFromInt(5)))
						require.True(t, in.EndTime.Equal(now.Add(time.Hour)))
						return model.Auction{AuctionID: "a1", Title: in.Title, State: model.StateDraft, CreatorID: creator.UserID}, nil
					})
			},
			expectedStatus: http.StatusCreated,
			expectedMsg:    "auction created successfully",
		},
		{
			name:           "missing_title",
			requestBody:    with("title", nil),
			mockSetup:      func(*MockBiddingServiceInterface) {},
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "invalid request payload",
		},
		{
			name:           "zero_starting_price",
			requestBody:    with("starting_price", 0),
			mockSetup:      func(*MockBiddingServiceInterface) {},
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "invalid request payload",
		},
		{
			name:           "negative_increment",
			requestBody:    with("min_increment", -1),
			mockSetup:      func(*MockBiddingServiceInterface) {},
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "invalid request payload",
		},
		{
			name:           "end_before_start",
			requestBody:    with("end_time", now.Add(-time.Hour)),
			mockSetup:      func(*MockBiddingServiceInterface) {},
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "invalid request payload",
		},
		{
			name:        "service_rejects_details",
			requestBody: with("title", "   "),
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().
					CreateAuction(gomock.Any(), creator, gomock.Any()).
					Return(model.Auction{}, fmt.Errorf("service: %w - empty title", biddingerrors.ErrInvalidAuction))
			},
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "invalid auction details",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			router, mockService := newTestRouter(t, creator, func(r *gin.Engine, h *BiddingHandler) {
				r.POST("/auctions", h.CreateAuctionHandler)
			})
			tc.mockSetup(mockService)

			status, resp := doJSON(t, router, http.MethodPost, "/auctions", tc.requestBody)
			require.Equal(t, tc.expectedStatus, status)
			require.Contains(t, resp["message"], tc.expectedMsg)
		})
	}
}

// Test the lifecycle handlers (activate, close, cancel)
func TestLifecycleHandlers(t *testing.T) {
	t.Parallel()

	winner := "alice"
	settledAt := now

	tests := []struct {
		name           string
		path           string
		mockSetup      func(m *MockBiddingServiceInterface)
		expectedStatus int
		expectedMsg    string
	}{
		{
			name: "activate_success",
			path: "/auctions/a1/activate",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().ActivateAuction(gomock.Any(), creator, "a1").Return(activeAuction("a1"), nil)
			},
			expectedStatus: http.StatusOK,
			expectedMsg:    "auction activated successfully",
		},
		{
			name: "activate_too_early",
			path: "/auctions/a1/activate",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().ActivateAuction(gomock.Any(), creator, "a1").Return(model.Auction{}, biddingerrors.ErrAuctionNotStarted)
			},
			expectedStatus: http.StatusConflict,
			expectedMsg:    "auction has not reached its start time",
		},
		{
			name: "activate_forbidden",
			path: "/auctions/a1/activate",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().ActivateAuction(gomock.Any(), creator, "a1").Return(model.Auction{}, biddingerrors.ErrForbidden)
			},
			expectedStatus: http.StatusForbidden,
			expectedMsg:    "not allowed to manage this auction",
		},
		{
			name: "close_success",
			path: "/auctions/a1/close",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().CloseAuction(gomock.Any(), creator, "a1").Return(model.Outcome{
					AuctionID:  "a1",
					State:      model.StateCompleted,
					WinnerID:   &winner,
					FinalPrice: decimal.NewFromInt(120),
					SettledAt:  &settledAt,
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedMsg:    "auction closed successfully",
		},
		{
			name: "close_winner_short_of_funds",
			path: "/auctions/a1/close",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().CloseAuction(gomock.Any(), creator, "a1").Return(model.Outcome{}, biddingerrors.ErrInsufficientFundsAtSettlement)
			},
			expectedStatus: http.StatusConflict,
			expectedMsg:    "winner cannot cover the winning bid",
		},
		{
			name: "close_draft",
			path: "/auctions/a1/close",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().CloseAuction(gomock.Any(), creator, "a1").Return(model.Outcome{}, biddingerrors.ErrInvalidTransition)
			},
			expectedStatus: http.StatusConflict,
			expectedMsg:    "operation not allowed in the current auction state",
		},
		{
			name: "cancel_success",
			path: "/auctions/a1/cancel",
			mockSetup: func(m *MockBiddingServiceInterface) {
				a := activeAuction("a1")
				a.State = model.StateCancelled
				m.EXPECT().CancelAuction(gomock.Any(), creator, "a1").Return(a, nil)
			},
			expectedStatus: http.StatusOK,
			expectedMsg:    "auction cancelled successfully",
		},
		{
			name: "cancel_with_bids",
			path: "/auctions/a1/cancel",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().CancelAuction(gomock.Any(), creator, "a1").Return(model.Auction{}, biddingerrors.ErrBidsAlreadyPlaced)
			},
			expectedStatus: http.StatusConflict,
			expectedMsg:    "auction already has bids",
		},
		{
			name: "busy",
			path: "/auctions/a1/cancel",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().CancelAuction(gomock.Any(), creator, "a1").Return(model.Auction{}, fmt.Errorf("lock: %w", context.DeadlineExceeded))
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedMsg:    "auction is busy",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			router, mockService := newTestRouter(t, creator, func(r *gin.Engine, h *BiddingHandler) {
				r.POST("/auctions/:auction_id/activate", h.ActivateAuctionHandler)
				r.POST("/auctions/:auction_id/close", h.CloseAuctionHandler)
				r.POST("/auctions/:auction_id/cancel", h.CancelAuctionHandler)
			})
			tc.mockSetup(mockService)

			status, resp := doJSON(t, router, http.MethodPost, tc.path, nil)
			require.Equal(t, tc.expectedStatus, status)
			require.Contains(t, resp["message"], tc.expectedMsg)
		})
	}
}

// Test the read handlers
func TestReadHandlers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		path           string
		mockSetup      func(m *MockBiddingServiceInterface)
		expectedStatus int
		expectedMsg    string
		validateData   func(t *testing.T, data any)
	}{
		{
			name: "list_auctions",
			path: "/auctions",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().ListAuctions(gomock.Any()).Return([]model.Auction{activeAuction("a1"), activeAuction("a2")}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedMsg:    "auctions retrieved successfully",
			validateData: func(t *testing.T, data any) {
				require.Len(t, data, 2)
			},
		},
		{
			name: "list_auctions_nil_slice",
			path: "/auctions",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().ListAuctions(gomock.Any()).Return(nil, nil)
			},
			expectedStatus: http.StatusOK,
			expectedMsg:    "auctions retrieved successfully",
			validateData: func(t *testing.T, data any) {
				require.Equal(t, []any{}, data)
			},
		},
		{
			name: "get_auction",
			path: "/auctions/a1",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().GetAuction(gomock.Any(), "a1").Return(activeAuction("a1"), nil)
			},
			expectedStatus: http.StatusOK,
			expectedMsg:    "auction retrieved successfully",
			validateData: func(t *testing.T, data any) {
				a := data.(map[string]any)
				require.Equal(t, "a1", a["auction_id"])
				require.Equal(t, "110", a["current_price"])
			},
		},
		{
			name: "get_auction_not_found",
			path: "/auctions/missing",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().GetAuction(gomock.Any(), "missing").Return(model.Auction{}, biddingerrors.ErrAuctionNotFound)
			},
			expectedStatus: http.StatusNotFound,
			expectedMsg:    "auction not found",
		},
		{
			name: "list_bids",
			path: "/auctions/a1/bids",
			mockSetup: func(m *MockBiddingServiceInterface) {
				bids := make([]model.Bid, 3)
				for i := range bids {
					bids[i] = model.Bid{
						BidID:     uuid.NewString(),
						AuctionID: "a1",
						BidderID:  fmt.Sprintf("user%d", i),
						Amount:    decimal.NewFromInt(int64(110 + 5*i)),
						Seq:       int64(i + 1),
						CreatedAt: now,
					}
				}
				m.EXPECT().ListBids(gomock.Any(), "a1").Return(bids, nil)
			},
			expectedStatus: http.StatusOK,
			expectedMsg:    "bids retrieved successfully",
			validateData: func(t *testing.T, data any) {
				bids := data.([]any)
				require.Len(t, bids, 3)
				last := bids[2].(map[string]any)
				require.Equal(t, "120", last["amount"])
				require.Equal(t, now.Format(time.RFC3339Nano), last["created_at"])
			},
		},
		{
			name: "list_bids_error",
			path: "/auctions/a1/bids",
			mockSetup: func(m *MockBiddingServiceInterface) {
				m.EXPECT().ListBids(gomock.Any(), "a1").Return(nil, errors.New("database failure"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedMsg:    "internal server error",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			router, mockService := newTestRouter(t, model.Identity{}, func(r *gin.Engine, h *BiddingHandler) {
				r.GET("/auctions", h.ListAuctionsHandler)
				r.GET("/auctions/:auction_id", h.GetAuctionHandler)
				r.GET("/auctions/:auction_id/bids", h.GetBidsHandler)
			})
			tc.mockSetup(mockService)

			status, resp := doJSON(t, router, http.MethodGet, tc.path, nil)
			require.Equal(t, tc.expectedStatus, status)
			require.Contains(t, resp["message"], tc.expectedMsg)

			if tc.validateData != nil {
				tc.validateData(t, resp["data"])
			}
		})
	}
}
