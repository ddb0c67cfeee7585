package httpserver

import (
	"log"
	"net/http"

	"github.com/brightlist/media-pipeline/internal/http/handlers"
	"github.com/brightlist/media-pipeline/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/jobs", deps.API.Jobs)
	mux.HandleFunc("/v1/jobs/", deps.API.JobByID)
	mux.HandleFunc("/v1/callbacks/hdr", deps.API.Callback)
	mux.HandleFunc("/v1/breakers", deps.API.Breakers)
	mux.HandleFunc("/v1/breakers/", deps.API.BreakerByName)

	handler := http.Handler(mux)
	// The provider webhook authenticates with its own shared secret, not
	// the portal bearer token.
	handler = middleware.Auth(deps.AuthToken, "/v1/callbacks/")(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
