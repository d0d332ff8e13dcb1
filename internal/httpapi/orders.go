package httpapi

import (
	"net/http"

	"kasirinaja/settlement/internal/domain"
)

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req domain.CreateOrderRequest
		if err := decodeJSON(r, &req); err != nil {
			writeServiceError(w, err)
			return
		}

		resp, err := a.service.Orders.CreateOrder(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		status := http.StatusCreated
		if resp.Duplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, resp)
	case http.MethodGet:
		q := r.URL.Query()
		orders, err := a.service.Orders.ListOrders(r.Context(), q.Get("store_id"), q.Get("date"), q.Get("status"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	order, err := a.service.Orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleOrderPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.AddPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	resp, err := a.service.Orders.AddPayment(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleOrderComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CompleteOrderRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	resp, err := a.service.Orders.CompleteOrder(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleOrderCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CancelOrderRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	resp, err := a.service.Orders.CancelOrder(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleOrderRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.RefundOrderRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	resp, err := a.service.Orders.RefundOrder(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	level, err := a.service.Orders.GetStock(r.Context(), r.URL.Query().Get("store_id"), r.PathValue("product_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, level)
}

func (a *API) handleCustomerSpend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	spend, err := a.service.CustomerSpend(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spend)
}
