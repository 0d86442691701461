package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/snlabs/snpay/api/apierr"
	"github.com/snlabs/snpay/api/auth"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/users"
)

// userResponse is the JSON rendering of a user and their balances
type userResponse struct {
	ID          int     `json:"id"`
	Alias       *string `json:"alias,omitempty"`
	Email       *string `json:"email,omitempty"`
	BalanceSats int64   `json:"balanceSats"`
	BalanceMsat int64   `json:"balanceMsat"`
	CreditsMsat int64   `json:"creditsMsat"`
}

func toUserResponse(user users.User) userResponse {
	return userResponse{
		ID:          user.ID,
		Alias:       user.Alias,
		Email:       user.Email,
		BalanceSats: payins.MsatsToSatsFloor(user.BalanceMsat),
		BalanceMsat: user.BalanceMsat,
		CreditsMsat: user.CreditsMsat,
	}
}

func (r *RestServer) registerUserRoutes() {
	r.Router.POST("/users", r.createUser())

	authed := r.Router.Group("", auth.GetMiddleware())
	authed.GET("/user", r.getUser())
	authed.PUT("/user/email", r.setEmail())
}

func (r *RestServer) createUser() gin.HandlerFunc {
	type request struct {
		Alias string `json:"alias" binding:"required"`
	}
	type response struct {
		User userResponse `json:"user"`
		Jwt  string       `json:"jwt"`
	}

	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err)
			return
		}

		user, err := users.Create(r.db, req.Alias)
		if err != nil {
			_ = c.Error(err)
			return
		}
		token, err := auth.CreateJwt(user.ID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusCreated, response{User: toUserResponse(user), Jwt: token})
	}
}

func (r *RestServer) getUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.RequireUserID(c)
		if !ok {
			return
		}
		user, err := users.GetByID(r.db, userID)
		if err != nil {
			if errors.Is(err, users.ErrUserNotFound) {
				apierr.Public(c, http.StatusNotFound, apierr.ErrUserNotFound)
			} else {
				_ = c.Error(err)
			}
			return
		}
		c.JSON(http.StatusOK, toUserResponse(user))
	}
}

func (r *RestServer) setEmail() gin.HandlerFunc {
	type request struct {
		Email string `json:"email" binding:"required,email"`
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

		user, err := users.SetEmail(r.db, userID, req.Email)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, toUserResponse(user))
	}
}
