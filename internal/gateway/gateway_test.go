package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circlesplit/splitledger/internal/auth"
	"github.com/circlesplit/splitledger/internal/registry"
	"github.com/circlesplit/splitledger/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, subject string, data interface{}) error {
	return nil
}

type testGateway struct {
	gw   *Gateway
	sim  *token.Sim
	reg  *registry.Registry
	auth *auth.Service
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	sim := token.NewSim()
	reg, err := registry.NewRegistry(sim, nopPublisher{})
	require.NoError(t, err)

	authSvc := auth.NewService("test-secret", "splitledger")
	gw := NewGateway(Config{RateLimitMax: 10000, RateLimitWindow: time.Minute}, reg, authSvc, nil, nil)

	return &testGateway{gw: gw, sim: sim, reg: reg, auth: authSvc}
}

func (tg *testGateway) request(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	w := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(w, req)
	return w
}

func (tg *testGateway) tokenFor(t *testing.T, member uuid.UUID) string {
	t.Helper()

	tok, err := tg.auth.IssueToken(member, time.Hour)
	require.NoError(t, err)
	return tok
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthCheck(t *testing.T) {
	tg := newTestGateway(t)

	w := tg.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])
}

func TestIssueTokenEndpoint(t *testing.T) {
	t.Run("should issue a token for a valid member id", func(t *testing.T) {
		tg := newTestGateway(t)

		w := tg.request(t, http.MethodPost, "/api/v1/auth/token", "", gin.H{"member": uuid.New().String()})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, decodeBody(t, w)["token"])
	})

	t.Run("should reject a malformed member id", func(t *testing.T) {
		tg := newTestGateway(t)

		w := tg.request(t, http.MethodPost, "/api/v1/auth/token", "", gin.H{"member": "not-a-uuid"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAuthRequired(t *testing.T) {
	tg := newTestGateway(t)

	t.Run("should reject a missing token", func(t *testing.T) {
		w := tg.request(t, http.MethodPost, "/api/v1/groups", "", gin.H{})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject a bad token", func(t *testing.T) {
		w := tg.request(t, http.MethodPost, "/api/v1/groups", "garbage", gin.H{})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestCreateGroupEndpoint(t *testing.T) {
	t.Run("should create a group", func(t *testing.T) {
		tg := newTestGateway(t)
		owner := uuid.New()

		w := tg.request(t, http.MethodPost, "/api/v1/groups", tg.tokenFor(t, owner), gin.H{
			"name":           "Dinner Club",
			"approve_amount": "1000",
			"max_daily":      "100",
			"max_monthly":    "2000",
		})
		require.Equal(t, http.StatusCreated, w.Code)

		body := decodeBody(t, w)
		assert.Equal(t, "Dinner Club", body["name"])
		assert.Equal(t, owner.String(), body["owner"])
		assert.NotEmpty(t, body["id"])
	})

	t.Run("should surface validation failures as 400", func(t *testing.T) {
		tg := newTestGateway(t)

		w := tg.request(t, http.MethodPost, "/api/v1/groups", tg.tokenFor(t, uuid.New()), gin.H{
			"name":           "",
			"approve_amount": "1000",
			"max_daily":      "100",
			"max_monthly":    "2000",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Name cannot be empty", decodeBody(t, w)["error"])
	})

	t.Run("should reject a non-numeric amount", func(t *testing.T) {
		tg := newTestGateway(t)

		w := tg.request(t, http.MethodPost, "/api/v1/groups", tg.tokenFor(t, uuid.New()), gin.H{
			"name":           "G",
			"approve_amount": "lots",
			"max_daily":      "100",
			"max_monthly":    "2000",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

// createGroup provisions a group over HTTP and returns its id
func (tg *testGateway) createGroup(t *testing.T, owner uuid.UUID) string {
	t.Helper()

	w := tg.request(t, http.MethodPost, "/api/v1/groups", tg.tokenFor(t, owner), gin.H{
		"name":           "Test Group",
		"approve_amount": "1000",
		"max_daily":      "100",
		"max_monthly":    "2000",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	return decodeBody(t, w)["id"].(string)
}

// joinMember approves in the sim and joins over HTTP
func (tg *testGateway) joinMember(t *testing.T, groupID string, member uuid.UUID) {
	t.Helper()

	id, err := uuid.Parse(groupID)
	require.NoError(t, err)
	tg.sim.Approve(member, id, decimal.NewFromInt(100000))

	w := tg.request(t, http.MethodPost, "/api/v1/groups/"+groupID+"/join", tg.tokenFor(t, member), nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMembershipEndpoints(t *testing.T) {
	t.Run("should join and leave a group", func(t *testing.T) {
		tg := newTestGateway(t)
		groupID := tg.createGroup(t, uuid.New())
		member := uuid.New()

		tg.joinMember(t, groupID, member)

		w := tg.request(t, http.MethodGet, "/api/v1/groups/"+groupID, "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, decodeBody(t, w)["members"], member.String())

		w = tg.request(t, http.MethodPost, "/api/v1/groups/"+groupID+"/leave", tg.tokenFor(t, member), nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("should map a double join to 409", func(t *testing.T) {
		tg := newTestGateway(t)
		groupID := tg.createGroup(t, uuid.New())
		member := uuid.New()
		tg.joinMember(t, groupID, member)

		w := tg.request(t, http.MethodPost, "/api/v1/groups/"+groupID+"/join", tg.tokenFor(t, member), nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "Already a member", decodeBody(t, w)["error"])
	})

	t.Run("should map a missing approval to 400", func(t *testing.T) {
		tg := newTestGateway(t)
		groupID := tg.createGroup(t, uuid.New())

		w := tg.request(t, http.MethodPost, "/api/v1/groups/"+groupID+"/join", tg.tokenFor(t, uuid.New()), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Approve USDC first", decodeBody(t, w)["error"])
	})

	t.Run("should 404 an unknown group", func(t *testing.T) {
		tg := newTestGateway(t)

		w := tg.request(t, http.MethodGet, "/api/v1/groups/"+uuid.New().String(), "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("should 400 a malformed group id", func(t *testing.T) {
		tg := newTestGateway(t)

		w := tg.request(t, http.MethodGet, "/api/v1/groups/not-a-uuid", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should list owned and member groups", func(t *testing.T) {
		tg := newTestGateway(t)
		owner := uuid.New()
		groupID := tg.createGroup(t, owner)
		member := uuid.New()
		tg.joinMember(t, groupID, member)

		w := tg.request(t, http.MethodGet, "/api/v1/groups/owned", tg.tokenFor(t, owner), nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeBody(t, w)["groups"], 1)

		w = tg.request(t, http.MethodGet, "/api/v1/groups/member", tg.tokenFor(t, member), nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeBody(t, w)["groups"], 1)
	})
}

func TestPaymentEndpoints(t *testing.T) {
	setup := func(t *testing.T) (*testGateway, string, uuid.UUID, uuid.UUID) {
		tg := newTestGateway(t)
		groupID := tg.createGroup(t, uuid.New())
		user1 := uuid.New()
		user2 := uuid.New()
		tg.sim.Mint(user1, decimal.NewFromInt(10000))
		tg.sim.Mint(user2, decimal.NewFromInt(10000))
		tg.joinMember(t, groupID, user1)
		tg.joinMember(t, groupID, user2)
		return tg, groupID, user1, user2
	}

	t.Run("should process a split and expose the record", func(t *testing.T) {
		tg, groupID, user1, user2 := setup(t)
		vendor := uuid.New()

		w := tg.request(t, http.MethodPost, "/api/v1/groups/"+groupID+"/payments", tg.tokenFor(t, user1), gin.H{
			"external_id":  12345,
			"vendor":       vendor.String(),
			"participants": []string{user1.String(), user2.String()},
			"amounts":      []string{"50", "30"},
		})
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, float64(0), decodeBody(t, w)["payment_id"])

		w = tg.request(t, http.MethodGet, "/api/v1/groups/"+groupID+"/payments/0", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, vendor.String(), body["vendor"])
		assert.Equal(t, user1.String(), body["initiator"])
		assert.ElementsMatch(t, []interface{}{"50", "30"}, body["amounts"])

		w = tg.request(t, http.MethodGet, "/api/v1/groups/"+groupID+"/payments", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(1), decodeBody(t, w)["count"])

		w = tg.request(t, http.MethodGet, "/api/v1/groups/"+groupID+"/payments/external/12345", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(0), decodeBody(t, w)["payment_id"])
	})

	t.Run("should expose failed transfer details", func(t *testing.T) {
		tg, groupID, user1, _ := setup(t)
		broke := uuid.New()
		tg.joinMember(t, groupID, broke)

		w := tg.request(t, http.MethodPost, "/api/v1/groups/"+groupID+"/payments", tg.tokenFor(t, user1), gin.H{
			"external_id":  7,
			"vendor":       uuid.New().String(),
			"participants": []string{user1.String(), broke.String()},
			"amounts":      []string{"50", "30"},
		})
		require.Equal(t, http.StatusCreated, w.Code)

		w = tg.request(t, http.MethodGet, "/api/v1/groups/"+groupID+"/payments/0/failed", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Contains(t, body["failed_participants"], broke.String())
		assert.Contains(t, body["failed_amounts"], "30")
		assert.Contains(t, body["successful_participants"], user1.String())
	})

	t.Run("should map a limit rejection to 422", func(t *testing.T) {
		tg, groupID, user1, user2 := setup(t)

		w := tg.request(t, http.MethodPost, "/api/v1/groups/"+groupID+"/payments", tg.tokenFor(t, user1), gin.H{
			"external_id":  8,
			"vendor":       uuid.New().String(),
			"participants": []string{user1.String(), user2.String()},
			"amounts":      []string{"50", "150"},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "Daily or monthly usage limit exceeded", decodeBody(t, w)["error"])
	})

	t.Run("should reject a negative amount", func(t *testing.T) {
		tg, groupID, user1, _ := setup(t)
		vendor := uuid.New()

		w := tg.request(t, http.MethodPost, "/api/v1/groups/"+groupID+"/payments", tg.tokenFor(t, user1), gin.H{
			"external_id":  12,
			"vendor":       vendor.String(),
			"participants": []string{user1.String()},
			"amounts":      []string{"-80"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Invalid amount", decodeBody(t, w)["error"])
	})

	t.Run("should map a non-member initiator to 403", func(t *testing.T) {
		tg, groupID, user1, _ := setup(t)

		w := tg.request(t, http.MethodPost, "/api/v1/groups/"+groupID+"/payments", tg.tokenFor(t, uuid.New()), gin.H{
			"external_id":  9,
			"vendor":       uuid.New().String(),
			"participants": []string{user1.String()},
			"amounts":      []string{"10"},
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("should map a missing vendor to the engine failure string", func(t *testing.T) {
		tg, groupID, user1, _ := setup(t)

		w := tg.request(t, http.MethodPost, "/api/v1/groups/"+groupID+"/payments", tg.tokenFor(t, user1), gin.H{
			"external_id":  10,
			"participants": []string{user1.String()},
			"amounts":      []string{"10"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Invalid vendor address", decodeBody(t, w)["error"])
	})

	t.Run("should 404 an out-of-range payment id", func(t *testing.T) {
		tg, groupID, _, _ := setup(t)

		w := tg.request(t, http.MethodGet, "/api/v1/groups/"+groupID+"/payments/5", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Index out of bounds", decodeBody(t, w)["error"])
	})

	t.Run("should 404 an unknown external id", func(t *testing.T) {
		tg, groupID, _, _ := setup(t)

		w := tg.request(t, http.MethodGet, "/api/v1/groups/"+groupID+"/payments/external/424242", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestUsageEndpoint(t *testing.T) {
	tg := newTestGateway(t)
	groupID := tg.createGroup(t, uuid.New())
	member := uuid.New()
	tg.sim.Mint(member, decimal.NewFromInt(10000))
	tg.joinMember(t, groupID, member)

	w := tg.request(t, http.MethodPost, "/api/v1/groups/"+groupID+"/payments", tg.tokenFor(t, member), gin.H{
		"external_id":  11,
		"vendor":       uuid.New().String(),
		"participants": []string{member.String()},
		"amounts":      []string{"40"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = tg.request(t, http.MethodGet, "/api/v1/groups/"+groupID+"/usage/"+member.String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	daily := body["daily"].(map[string]interface{})
	monthly := body["monthly"].(map[string]interface{})
	assert.Equal(t, "40", daily["accumulated"])
	assert.Equal(t, "40", monthly["accumulated"])
}

func TestRateLimiter(t *testing.T) {
	t.Run("should stop requests past the limit", func(t *testing.T) {
		rl := &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    3,
			window:   time.Minute,
		}

		assert.True(t, rl.Allow("ip"))
		assert.True(t, rl.Allow("ip"))
		assert.True(t, rl.Allow("ip"))
		assert.False(t, rl.Allow("ip"))
		assert.True(t, rl.Allow("other"), "keys are independent")
	})

	t.Run("should respond 429 over HTTP", func(t *testing.T) {
		tg := newTestGateway(t)
		tg.gw.rateLimiter.limit = 2

		tg.request(t, http.MethodGet, "/health", "", nil)
		tg.request(t, http.MethodGet, "/health", "", nil)
		w := tg.request(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}
