package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"stockfolio/internal/ledger"
	"stockfolio/internal/models"
	"stockfolio/internal/money"
	"stockfolio/internal/portfolio"
	"stockfolio/internal/valuation"
)

type Handler struct {
	ledger     *ledger.Ledger
	portfolios *portfolio.Coordinator
	valuer     *valuation.Service
	log        *logrus.Logger
}

func NewHandler(l *ledger.Ledger, p *portfolio.Coordinator, v *valuation.Service, log *logrus.Logger) *Handler {
	return &Handler{ledger: l, portfolios: p, valuer: v, log: log}
}

// Routes mounts the API. Everything except /health goes through the given
// middleware, auth first.
func (h *Handler) Routes(rg *gin.Engine, auth gin.HandlerFunc, mw ...gin.HandlerFunc) {
	rg.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := rg.Group("/", append([]gin.HandlerFunc{auth}, mw...)...)
	api.POST("/portfolios", h.CreatePortfolio)
	api.GET("/portfolios", h.ListPortfolios)
	api.GET("/portfolios/default", h.GetDefaultPortfolio)
	api.GET("/portfolios/:id", h.GetPortfolio)
	api.DELETE("/portfolios/:id", h.DeletePortfolio)
	api.POST("/portfolios/:id/default", h.SetDefault)
	api.POST("/portfolios/:id/holdings", h.OpenHolding)
	api.GET("/portfolios/:id/holdings", h.ListHoldings)

	api.GET("/holdings/:id", h.GetHolding)
	api.POST("/holdings/:id/recompute", h.Recompute)
	api.GET("/holdings/:id/transactions", h.ListTransactions)
	api.POST("/holdings/:id/transactions", h.AppendTransaction)
	api.PATCH("/holdings/:id/transactions/:txId", h.AmendTransaction)
	api.DELETE("/holdings/:id/transactions/:txId", h.RemoveTransaction)
}

type PortfolioRequest struct {
	Name      string `json:"name" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
	IsDefault bool   `json:"is_default"`
}

type HoldingRequest struct {
	SecurityID string `json:"security_id" binding:"required"`
}

type TransactionRequest struct {
	Type            models.TransactionType `json:"type" binding:"required"`
	Shares          money.Money            `json:"shares"`
	PricePerShare   money.Money            `json:"price_per_share"`
	Fees            money.Money            `json:"fees"`
	TransactionDate time.Time              `json:"transaction_date" binding:"required"`
	Notes           *string                `json:"notes"`
}

type AmendRequest struct {
	HoldingID       *string                 `json:"holding_id"`
	Type            *models.TransactionType `json:"type"`
	Shares          *money.Money            `json:"shares"`
	PricePerShare   *money.Money            `json:"price_per_share"`
	Fees            *money.Money            `json:"fees"`
	TransactionDate *time.Time              `json:"transaction_date"`
	Notes           *string                 `json:"notes"`
}

type HoldingView struct {
	models.Holding
	Valuation models.Valuation `json:"valuation"`
}

func (h *Handler) CreatePortfolio(c *gin.Context) {
	var req PortfolioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid post body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.portfolios.CreatePortfolio(c.Request.Context(), userID(c), portfolio.Input{
		Name:      req.Name,
		Currency:  req.Currency,
		IsDefault: req.IsDefault,
	})
	if err != nil {
		h.fail(c, "create portfolio", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPortfolios(c *gin.Context) {
	ps, err := h.portfolios.List(c.Request.Context(), userID(c))
	if err != nil {
		h.fail(c, "list portfolios", err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (h *Handler) GetDefaultPortfolio(c *gin.Context) {
	p, err := h.portfolios.Default(c.Request.Context(), userID(c))
	if err != nil {
		h.fail(c, "get default portfolio", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPortfolio(c *gin.Context) {
	p, err := h.portfolios.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.fail(c, "get portfolio", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePortfolio(c *gin.Context) {
	if err := h.portfolios.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		h.fail(c, "delete portfolio", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) SetDefault(c *gin.Context) {
	p, err := h.portfolios.SetDefault(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.fail(c, "set default", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) OpenHolding(c *gin.Context) {
	var req HoldingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid post body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hold, created, err := h.ledger.OpenHolding(c.Request.Context(), userID(c), c.Param("id"), req.SecurityID)
	if err != nil {
		h.fail(c, "open holding", err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, h.view(c.Request.Context(), hold))
}

func (h *Handler) ListHoldings(c *gin.Context) {
	ctx := c.Request.Context()
	holds, err := h.ledger.ListHoldings(ctx, userID(c), c.Param("id"))
	if err != nil {
		h.fail(c, "list holdings", err)
		return
	}
	views := make([]HoldingView, 0, len(holds))
	for _, hold := range holds {
		views = append(views, h.view(ctx, hold))
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handler) GetHolding(c *gin.Context) {
	hold, err := h.ledger.Holding(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.fail(c, "get holding", err)
		return
	}
	c.JSON(http.StatusOK, h.view(c.Request.Context(), hold))
}

func (h *Handler) Recompute(c *gin.Context) {
	hold, err := h.ledger.Recompute(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.fail(c, "recompute", err)
		return
	}
	c.JSON(http.StatusOK, h.view(c.Request.Context(), hold))
}

func (h *Handler) ListTransactions(c *gin.Context) {
	steps, err := h.ledger.History(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		h.fail(c, "list transactions", err)
		return
	}
	c.JSON(http.StatusOK, steps)
}

func (h *Handler) AppendTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid post body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, hold, err := h.ledger.AppendTransaction(c.Request.Context(), userID(c), c.Param("id"), ledger.TransactionInput{
		Type:            req.Type,
		Shares:          req.Shares,
		PricePerShare:   req.PricePerShare,
		Fees:            req.Fees,
		TransactionDate: req.TransactionDate,
		Notes:           req.Notes,
	})
	if err != nil {
		h.fail(c, "append transaction", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": rec, "holding": h.view(c.Request.Context(), hold)})
}

func (h *Handler) AmendTransaction(c *gin.Context) {
	var req AmendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid patch body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, hold, err := h.ledger.AmendTransaction(c.Request.Context(), userID(c), c.Param("id"), c.Param("txId"), ledger.Amendment{
		HoldingID:       req.HoldingID,
		Type:            req.Type,
		Shares:          req.Shares,
		PricePerShare:   req.PricePerShare,
		Fees:            req.Fees,
		TransactionDate: req.TransactionDate,
		Notes:           req.Notes,
	})
	if err != nil {
		h.fail(c, "amend transaction", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": rec, "holding": h.view(c.Request.Context(), hold)})
}

func (h *Handler) RemoveTransaction(c *gin.Context) {
	hold, err := h.ledger.RemoveTransaction(c.Request.Context(), userID(c), c.Param("id"), c.Param("txId"))
	if err != nil {
		h.fail(c, "remove transaction", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holding": h.view(c.Request.Context(), hold)})
}

func (h *Handler) view(ctx context.Context, hold models.Holding) HoldingView {
	return HoldingView{Holding: hold, Valuation: h.valuer.ValuateHolding(ctx, hold)}
}

// fail renders err with the status of its kind. Storage details stay in the log.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	var verr *models.ValidationError
	var serr *models.InsufficientSharesError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &serr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":          "insufficient shares",
			"transaction_id": serr.TransactionID,
			"available":      serr.Available,
			"requested":      serr.Requested,
		})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, models.ErrConflict):
		h.log.Warnf("%s: %v", op, err)
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent modification, retry"})
	default:
		h.log.Errorf("%s failed: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
