package httpx

import (
	"context"
	"encoding/json"
	"github.com/ariefcatur/go-food-orders/internal/auth"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"net/http"
	"strconv"
	"time"
)

const idempotencyHeader = "Idempotency-Key"

type OrdersHandler struct {
	Manager *orders.Manager
	Logger  *zap.Logger
	Timeout time.Duration
}

type createOrderReq struct {
	Items              []orders.ItemInput     `json:"items"`
	ShippingAddress    orders.ShippingAddress `json:"shippingAddress"`
	PaymentMethod      string                 `json:"paymentMethod"`
	TaxPriceCents      int64                  `json:"taxPriceCents"`
	ShippingPriceCents int64                  `json:"shippingPriceCents"`
	Notes              string                 `json:"notes"`
}

type updateStatusReq struct {
	Status string `json:"status"`
}

// payReq uses the payment provider's field names.
type payReq struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	UpdateTime   string `json:"update_time"`
	EmailAddress string `json:"email_address"`
}

// Register mounts the order routes on r. Every route requires a token.
func (h *OrdersHandler) Register(r chi.Router, signer *auth.Signer) {
	r.Route("/orders", func(r chi.Router) {
		r.Use(auth.Authenticate(signer))

		r.With(auth.RequireRole(auth.RoleAdmin)).Get("/", h.listOrders)
		r.Get("/myorders", h.listMyOrders)
		r.Post("/", h.createOrder)
		r.Get("/{id}", h.getOrder)
		r.With(auth.RequireRole(auth.RoleAdmin)).Put("/{id}/status", h.updateStatus)
		r.Put("/{id}/pay", h.payOrder)
		r.Put("/{id}/cancel", h.cancelOrder)
		r.With(auth.RequireRole(auth.RoleAdmin)).Delete("/{id}", h.deleteOrder)
	})
}

func (h *OrdersHandler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithTimeout(r.Context(), 5*time.Second)
	}
	return context.WithTimeout(r.Context(), h.Timeout)
}

func actor(r *http.Request) orders.Actor {
	id, _ := auth.IdentityFromContext(r.Context())
	return id.Actor()
}

func listFilter(r *http.Request) orders.ListFilter {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return orders.ListFilter{Status: orders.Status(q.Get("status")), Page: page, Limit: limit}
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	p, err := h.Manager.List(ctx, actor(r), listFilter(r))
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writePage(w, p)
}

func (h *OrdersHandler) listMyOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	p, err := h.Manager.ListMine(ctx, actor(r), listFilter(r))
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writePage(w, p)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	o, err := h.Manager.Get(ctx, actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, o)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	o, existed, err := h.Manager.Create(ctx, actor(r), orders.CreateInput{
		IdempotencyKey:     r.Header.Get(idempotencyHeader),
		Items:              req.Items,
		Shipping:           req.ShippingAddress,
		PaymentMethod:      req.PaymentMethod,
		TaxPriceCents:      req.TaxPriceCents,
		ShippingPriceCents: req.ShippingPriceCents,
		Notes:              req.Notes,
	})
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	if existed {
		writeData(w, http.StatusOK, o)
		return
	}
	writeData(w, http.StatusCreated, o)
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	o, err := h.Manager.UpdateStatus(ctx, actor(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, o)
}

func (h *OrdersHandler) payOrder(w http.ResponseWriter, r *http.Request) {
	var req payReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	o, err := h.Manager.MarkPaid(ctx, actor(r), chi.URLParam(r, "id"), orders.PaymentResult{
		ID:           req.ID,
		Status:       req.Status,
		UpdateTime:   req.UpdateTime,
		EmailAddress: req.EmailAddress,
	})
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, o)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	o, err := h.Manager.Cancel(ctx, actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeData(w, http.StatusOK, o)
}

func (h *OrdersHandler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	if err := h.Manager.Delete(ctx, actor(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeMessage(w, http.StatusOK, "Order removed")
}
