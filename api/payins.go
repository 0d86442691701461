package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/snlabs/snpay/actions"
	"github.com/snlabs/snpay/api/apierr"
	"github.com/snlabs/snpay/api/auth"
	"github.com/snlabs/snpay/models/invoices"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/pay"
)

// payInResponse is the JSON rendering of a payin
type payInResponse struct {
	ID            int              `json:"id"`
	Type          payins.Type      `json:"type"`
	State         payins.State     `json:"state"`
	McostMsat     int64            `json:"mcostMsat"`
	PaymentMethod string           `json:"paymentMethod"`
	FailureReason *string          `json:"failureReason,omitempty"`
	PerformError  *string          `json:"performError,omitempty"`
	RetryOf       *int             `json:"retryOf,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	Invoice       *invoiceResponse `json:"invoice,omitempty"`
}

type invoiceResponse struct {
	Bolt11    string    `json:"bolt11"`
	Hash      string    `json:"hash"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func toPayInResponse(payin payins.PayIn, invoice *invoices.Invoice) payInResponse {
	response := payInResponse{
		ID:            payin.ID,
		Type:          payin.Typ,
		State:         payin.State,
		McostMsat:     payin.McostMsat,
		PaymentMethod: string(payin.PaymentMethod),
		PerformError:  payin.PerformError,
		RetryOf:       payin.SuccessorID,
		CreatedAt:     payin.CreatedAt,
	}
	if payin.FailureReason != nil {
		reason := string(*payin.FailureReason)
		response.FailureReason = &reason
	}
	if invoice != nil {
		response.Invoice = &invoiceResponse{
			Bolt11:    invoice.Bolt11,
			Hash:      invoice.Hash,
			ExpiresAt: invoice.ExpiresAt,
		}
	}
	return response
}

func (r *RestServer) registerPayInRoutes() {
	// creation is open to anonymous actors, the engine decides per
	// action whether that is allowed
	r.Router.POST("/payins", auth.GetOptionalMiddleware(), r.createPayIn())

	authed := r.Router.Group("", auth.GetMiddleware())
	authed.GET("/payins", r.listPayIns())
	authed.GET("/payins/:id", r.getPayIn())
	authed.POST("/payins/:id/retry", r.retryPayIn())
	authed.POST("/withdrawals", r.createWithdrawal())
}

func (r *RestServer) createPayIn() gin.HandlerFunc {
	type request struct {
		Type string          `json:"type" binding:"required"`
		Args json.RawMessage `json:"args" binding:"required"`
	}

	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err)
			return
		}

		var userID *int
		if id, ok := auth.UserID(c); ok {
			userID = &id
		}

		result, err := r.engine.Create(c.Request.Context(), pay.CreateArgs{
			Type:   payins.Type(req.Type),
			UserID: userID,
			Args:   req.Args,
		})
		if err != nil {
			rejectEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toPayInResponse(result.PayIn, result.Invoice))
	}
}

func (r *RestServer) createWithdrawal() gin.HandlerFunc {
	type request struct {
		Bolt11     string `json:"bolt11" binding:"required"`
		MaxFeeSats int64  `json:"maxFeeSats" binding:"gte=0"`
	}

	return func(c *gin.Context) {
		userID, ok := auth.RequireUserID(c)
		if !ok {
			return
		}
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err)
			return
		}

		args, err := json.Marshal(struct {
			Bolt11     string `json:"bolt11"`
			MaxFeeSats int64  `json:"maxFeeSats"`
		}{Bolt11: req.Bolt11, MaxFeeSats: req.MaxFeeSats})
		if err != nil {
			_ = c.Error(err)
			return
		}

		result, err := r.engine.Create(c.Request.Context(), pay.CreateArgs{
			Type:   payins.TypeWithdrawal,
			UserID: &userID,
			Args:   args,
		})
		if err != nil {
			rejectEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toPayInResponse(result.PayIn, nil))
	}
}

func (r *RestServer) getPayIn() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.RequireUserID(c)
		if !ok {
			return
		}
		payin, ok := r.ownedPayIn(c, userID)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, toPayInResponse(payin, nil))
	}
}

func (r *RestServer) listPayIns() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.RequireUserID(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))

		list, err := payins.ListForUser(r.db, userID, limit)
		if err != nil {
			_ = c.Error(err)
			return
		}
		response := make([]payInResponse, 0, len(list))
		for _, payin := range list {
			response = append(response, toPayInResponse(payin, nil))
		}
		c.JSON(http.StatusOK, response)
	}
}

func (r *RestServer) retryPayIn() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.RequireUserID(c)
		if !ok {
			return
		}
		payin, ok := r.ownedPayIn(c, userID)
		if !ok {
			return
		}

		result, err := r.engine.Retry(c.Request.Context(), payin.ID)
		if err != nil {
			rejectEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toPayInResponse(result.PayIn, result.Invoice))
	}
}

// ownedPayIn loads the payin in the id path param and checks it belongs
// to the authenticated user
func (r *RestServer) ownedPayIn(c *gin.Context, userID int) (payins.PayIn, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		apierr.Public(c, http.StatusNotFound, apierr.ErrPayInNotFound)
		return payins.PayIn{}, false
	}
	payin, err := payins.GetByID(r.db, id)
	if err != nil {
		if errors.Is(err, payins.ErrPayInNotFound) {
			apierr.Public(c, http.StatusNotFound, apierr.ErrPayInNotFound)
		} else {
			_ = c.Error(err)
		}
		return payins.PayIn{}, false
	}
	if payin.UserID == nil || *payin.UserID != userID {
		// don't leak which payins exist
		apierr.Public(c, http.StatusNotFound, apierr.ErrPayInNotFound)
		return payins.PayIn{}, false
	}
	return payin, true
}

// rejectEngineError maps engine errors onto public API errors
func rejectEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, actions.ErrUnknownActionType):
		apierr.Public(c, http.StatusNotFound, apierr.ErrUnknownAction)
	case errors.Is(err, actions.ErrInvalidArgument):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidActionArgs)
	case errors.Is(err, pay.ErrUnauthenticated):
		apierr.Public(c, http.StatusUnauthorized, apierr.ErrUnauthenticatedAction)
	case errors.Is(err, pay.ErrInsufficientFunds):
		apierr.Public(c, http.StatusPaymentRequired, apierr.ErrInsufficientFunds)
	case errors.Is(err, pay.ErrCostChanged):
		apierr.Public(c, http.StatusConflict, apierr.ErrCostChanged)
	case errors.Is(err, payins.ErrBountyAlreadyPaid),
		errors.Is(err, payins.ErrBountyInProgress),
		errors.Is(err, payins.ErrBountyStaleRetry):
		apierr.Public(c, http.StatusConflict, apierr.ErrBountyConflict)
	case errors.Is(err, payins.ErrIllegalTransition):
		apierr.Public(c, http.StatusConflict, apierr.ErrCannotRetry)
	case errors.Is(err, pay.ErrProviderTimeout):
		apierr.Public(c, http.StatusServiceUnavailable, apierr.ErrProviderUnavailable)
	default:
		log.WithError(err).Error("Could not serve payin request")
		_ = c.Error(err)
	}
}
