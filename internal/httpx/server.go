package httpx

import (
	"github.com/ariefcatur/go-food-orders/internal/auth"
	"github.com/ariefcatur/go-food-orders/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"net/http"
	"time"
)

type RouterDeps struct {
	Logger   *zap.Logger
	Metrics  *metrics.ServerMetrics
	Gatherer prometheus.Gatherer // nil disables /metrics
	Signer   *auth.Signer
	Orders   *OrdersHandler
	Products *ProductsHandler
}

func NewRouter(d RouterDeps) *chi.Mux {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog(log), instrument(d.Metrics), middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(d.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		if d.Products != nil {
			d.Products.Register(r)
		}
		if d.Orders != nil {
			d.Orders.Register(r, d.Signer)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "Route not found")
	})
	return r
}
