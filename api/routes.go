// Package api is the REST surface over the settlement engine
package api

import (
	"net/http"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/snlabs/snpay/api/apierr"
	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/build/snlog"
	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/pay"
)

var log = build.AddSubLogger("HTTP")

// Config is the configuration for our API
type Config struct {
	// LogLevel specifies which level our application is going to log to
	LogLevel logrus.Level
	// The Bitcoin network we're on
	Network chaincfg.Params
	// CorsOrigins are the origins the API accepts browser requests from
	CorsOrigins []string
}

// RestServer is the REST server for our app: a router, the database and
// the settlement engine
type RestServer struct {
	Router *gin.Engine
	db     *db.DB
	engine *pay.Engine
}

func getCorsConfig(origins []string) cors.Config {
	if len(origins) == 0 {
		origins = []string{"http://127.0.0.1:3000"}
	}
	return cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost, http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization"},
	}
}

// getGinEngine creates a new Gin engine and applies the middlewares used
// by our API: panic recovery, logrus request logging, CORS and the error
// handler.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(snlog.GinLoggingMiddleWare(log))
	engine.Use(cors.New(getCorsConfig(config.CorsOrigins)))
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

// NewApp creates the REST server around an existing settlement engine
func NewApp(database *db.DB, engine *pay.Engine, config Config) (RestServer, error) {
	build.SetLogLevels(config.LogLevel)

	if config.Network.Name == "" {
		return RestServer{}, errors.New("config.Network is not set")
	}

	r := RestServer{
		Router: getGinEngine(config),
		db:     database,
		engine: engine,
	}

	r.Router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	r.registerUserRoutes()
	r.registerPayInRoutes()

	return r, nil
}
