package httpapi

import (
	"net/http"
	"strings"

	"vendora.org/internal/auth"
)

type createOrderRequest struct {
	ProductIDs []string `json:"product_ids"`
}

func (a *API) handleOrdersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createOrder(w, r)
	case http.MethodGet:
		a.listOrders(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleOrderResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/refund") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/refund"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "order not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.refundOrder(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getOrder(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.ProductIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "product_ids are required")
		return
	}
	if len(req.ProductIDs) > 100 {
		writeError(w, r, http.StatusBadRequest, "too many line items")
		return
	}

	ord, err := a.orders.Create(r.Context(), userID, req.ProductIDs)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/orders/"+ord.ID)
	writeJSON(w, http.StatusCreated, ord)
}

func (a *API) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	orders, err := a.orders.ListByUser(r.Context(), userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": orders})
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request, id string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	ord, err := a.orders.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	// Orders are visible to their owner only.
	if ord.UserID != userID {
		writeError(w, r, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

func (a *API) refundOrder(w http.ResponseWriter, r *http.Request, id string) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	ord, err := a.orders.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if ord.UserID != userID {
		writeError(w, r, http.StatusNotFound, "order not found")
		return
	}

	refunded, err := a.orders.Refund(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refunded)
}
