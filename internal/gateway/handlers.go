package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/circlesplit/splitledger/internal/ledger"
	"github.com/circlesplit/splitledger/internal/registry"
)

// Request types

type IssueTokenRequest struct {
	Member string `json:"member" binding:"required"`
}

type CreateGroupRequest struct {
	Name          string `json:"name"`
	ApproveAmount string `json:"approve_amount" binding:"required"`
	MaxDaily      string `json:"max_daily" binding:"required"`
	MaxMonthly    string `json:"max_monthly" binding:"required"`
}

type SplitPaymentRequest struct {
	ExternalID   uint64   `json:"external_id"`
	Vendor       string   `json:"vendor"`
	Participants []string `json:"participants"`
	Amounts      []string `json:"amounts"`
}

// Response shapes

type groupResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Owner         string   `json:"owner"`
	ApproveAmount string   `json:"approve_amount"`
	MaxDaily      string   `json:"max_daily"`
	MaxMonthly    string   `json:"max_monthly"`
	Members       []string `json:"members"`
}

type paymentResponse struct {
	PaymentID          int       `json:"payment_id"`
	ExternalID         uint64    `json:"external_id"`
	Initiator          string    `json:"initiator"`
	Vendor             string    `json:"vendor"`
	Participants       []string  `json:"participants"`
	Amounts            []string  `json:"amounts"`
	Timestamp          time.Time `json:"timestamp"`
	FailedParticipants []string  `json:"failed_participants"`
	FailedAmounts      []string  `json:"failed_amounts"`
}

type usageResponse struct {
	WindowStart time.Time `json:"window_start"`
	Accumulated string    `json:"accumulated"`
}

func (g *Gateway) issueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	member, err := uuid.Parse(req.Member)
	if err != nil || member == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid member id"})
		return
	}

	token, err := g.auth.IssueToken(member, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (g *Gateway) createGroup(c *gin.Context) {
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	approve, err := decimal.NewFromString(req.ApproveAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid approve_amount"})
		return
	}
	maxDaily, err := decimal.NewFromString(req.MaxDaily)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_daily"})
		return
	}
	maxMonthly, err := decimal.NewFromString(req.MaxMonthly)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_monthly"})
		return
	}

	owner := c.MustGet("member").(uuid.UUID)

	led, err := g.registry.CreateGroup(c.Request.Context(), owner, req.Name, approve, maxDaily, maxMonthly)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, renderGroup(led))
}

func (g *Gateway) listOwnedGroups(c *gin.Context) {
	owner := c.MustGet("member").(uuid.UUID)

	ledgers := g.registry.UserLedgers(owner)
	groups := make([]groupResponse, 0, len(ledgers))
	for _, led := range ledgers {
		groups = append(groups, renderGroup(led))
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (g *Gateway) listMemberGroups(c *gin.Context) {
	member := c.MustGet("member").(uuid.UUID)

	ledgers := g.registry.UserMemberLedgers(member)
	groups := make([]groupResponse, 0, len(ledgers))
	for _, led := range ledgers {
		groups = append(groups, renderGroup(led))
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (g *Gateway) getGroup(c *gin.Context) {
	led, ok := g.lookupGroup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, renderGroup(led))
}

func (g *Gateway) joinGroup(c *gin.Context) {
	led, ok := g.lookupGroup(c)
	if !ok {
		return
	}

	member := c.MustGet("member").(uuid.UUID)
	if err := led.Join(c.Request.Context(), member); err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "joined"})
}

func (g *Gateway) leaveGroup(c *gin.Context) {
	led, ok := g.lookupGroup(c)
	if !ok {
		return
	}

	member := c.MustGet("member").(uuid.UUID)
	if err := led.Leave(c.Request.Context(), member); err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "left"})
}

func (g *Gateway) getUsage(c *gin.Context) {
	led, ok := g.lookupGroup(c)
	if !ok {
		return
	}

	member, err := uuid.Parse(c.Param("member"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid member id"})
		return
	}

	dailyStart, daily := led.DailyUsage(member)
	monthlyStart, monthly := led.MonthlyUsage(member)

	c.JSON(http.StatusOK, gin.H{
		"daily":   usageResponse{WindowStart: dailyStart, Accumulated: daily.String()},
		"monthly": usageResponse{WindowStart: monthlyStart, Accumulated: monthly.String()},
	})
}

func (g *Gateway) splitPayment(c *gin.Context) {
	led, ok := g.lookupGroup(c)
	if !ok {
		return
	}

	var req SplitPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	// An absent vendor maps to the nil identity so the engine reports the
	// conformance failure string.
	vendor := uuid.Nil
	if req.Vendor != "" {
		var err error
		vendor, err = uuid.Parse(req.Vendor)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vendor id"})
			return
		}
	}

	participants := make([]uuid.UUID, 0, len(req.Participants))
	for _, p := range req.Participants {
		id, err := uuid.Parse(p)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant id"})
			return
		}
		participants = append(participants, id)
	}

	amounts := make([]decimal.Decimal, 0, len(req.Amounts))
	for _, a := range req.Amounts {
		amount, err := decimal.NewFromString(a)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		amounts = append(amounts, amount)
	}

	initiator := c.MustGet("member").(uuid.UUID)

	paymentID, err := led.SplitPayment(c.Request.Context(), initiator, req.ExternalID, vendor, participants, amounts)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment_id": paymentID})
}

func (g *Gateway) listPayments(c *gin.Context) {
	led, ok := g.lookupGroup(c)
	if !ok {
		return
	}

	count := led.PaymentCount()
	payments := make([]paymentResponse, 0, count)
	for i := 0; i < count; i++ {
		rec, err := led.PaymentInfo(i)
		if err != nil {
			continue
		}
		payments = append(payments, renderPayment(rec))
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": count})
}

func (g *Gateway) getPayment(c *gin.Context) {
	led, ok := g.lookupGroup(c)
	if !ok {
		return
	}

	paymentID, err := strconv.Atoi(c.Param("pid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return
	}

	// Payment records are immutable once appended, so a cache hit can never
	// be stale.
	cacheKey := "payment:" + led.ID().String() + ":" + c.Param("pid")
	if g.rdb != nil {
		if cached, err := g.rdb.Get(c.Request.Context(), cacheKey).Result(); err == nil {
			var resp paymentResponse
			if json.Unmarshal([]byte(cached), &resp) == nil {
				c.JSON(http.StatusOK, resp)
				return
			}
		}
	}

	rec, err := led.PaymentInfo(paymentID)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}

	resp := renderPayment(rec)
	if g.rdb != nil {
		if payload, err := json.Marshal(resp); err == nil {
			g.rdb.Set(c.Request.Context(), cacheKey, payload, 0)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (g *Gateway) getFailedDetails(c *gin.Context) {
	led, ok := g.lookupGroup(c)
	if !ok {
		return
	}

	paymentID, err := strconv.Atoi(c.Param("pid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return
	}

	failedParticipants, failedAmounts, err := led.FailedDetails(paymentID)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}

	successful, err := led.SuccessfulParticipants(paymentID)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"failed_participants":     uuidStrings(failedParticipants),
		"failed_amounts":          decimalStrings(failedAmounts),
		"successful_participants": uuidStrings(successful),
	})
}

func (g *Gateway) getPaymentByExternal(c *gin.Context) {
	led, ok := g.lookupGroup(c)
	if !ok {
		return
	}

	externalID, err := strconv.ParseUint(c.Param("eid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid external id"})
		return
	}

	paymentID, found := led.PaymentIDByExternal(externalID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown external id"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment_id": paymentID})
}

// Helpers

func (g *Gateway) lookupGroup(c *gin.Context) (*ledger.Ledger, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return nil, false
	}

	led, found := g.registry.Ledger(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return nil, false
	}
	return led, true
}

func renderGroup(led *ledger.Ledger) groupResponse {
	settings := led.Settings()
	return groupResponse{
		ID:            led.ID().String(),
		Name:          led.Name(),
		Owner:         led.Owner().String(),
		ApproveAmount: settings.ApproveAmount.String(),
		MaxDaily:      settings.MaxDaily.String(),
		MaxMonthly:    settings.MaxMonthly.String(),
		Members:       uuidStrings(led.Members()),
	}
}

func renderPayment(rec ledger.PaymentRecord) paymentResponse {
	return paymentResponse{
		PaymentID:          rec.PaymentID,
		ExternalID:         rec.ExternalID,
		Initiator:          rec.Initiator.String(),
		Vendor:             rec.Vendor.String(),
		Participants:       uuidStrings(rec.Participants),
		Amounts:            decimalStrings(rec.Amounts),
		Timestamp:          rec.Timestamp,
		FailedParticipants: uuidStrings(rec.FailedParticipants),
		FailedAmounts:      decimalStrings(rec.FailedAmounts),
	}
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func decimalStrings(amounts []decimal.Decimal) []string {
	out := make([]string, len(amounts))
	for i, a := range amounts {
		out[i] = a.String()
	}
	return out
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrIndexOutOfBounds), errors.Is(err, registry.ErrIndexOutOfBounds):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAlreadyMember):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrApproveFirst),
		errors.Is(err, ledger.ErrLengthMismatch),
		errors.Is(err, ledger.ErrNoParticipants),
		errors.Is(err, ledger.ErrInvalidVendor),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, registry.ErrNameEmpty),
		errors.Is(err, registry.ErrApproveAmountZero),
		errors.Is(err, registry.ErrMaxDailyZero),
		errors.Is(err, registry.ErrMaxMonthlyZero),
		errors.Is(err, registry.ErrDailyExceedsMonthly):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
