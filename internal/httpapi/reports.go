package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"kasirinaja/settlement/internal/domain"
)

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		summary, err := a.service.Summary.Compute(r.Context(), q.Get("store_id"), q.Get("date"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeSummary(w, strings.ToLower(strings.TrimSpace(q.Get("format"))), summary)
	case http.MethodPost:
		var req domain.SaveSummaryRequest
		if err := decodeOptionalJSON(r, &req); err != nil {
			writeServiceError(w, err)
			return
		}
		q := r.URL.Query()
		if req.StoreID == "" {
			req.StoreID = q.Get("store_id")
		}
		if req.Date == "" {
			req.Date = q.Get("date")
		}

		summary, err := a.service.Summary.Save(r.Context(), req.StoreID, req.Date)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleDailySnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	summary, err := a.service.Summary.Get(r.Context(), q.Get("store_id"), q.Get("date"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSummary(w, strings.ToLower(strings.TrimSpace(q.Get("format"))), summary)
}

func writeSummary(w http.ResponseWriter, format string, summary domain.DailySummary) {
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"daily-summary-%s-%s.csv\"", summary.StoreID, summary.Date))
		_, _ = w.Write([]byte(summaryToCSV(summary)))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func summaryToCSV(summary domain.DailySummary) string {
	lines := []string{
		"section,key,value",
		fmt.Sprintf("summary,store_id,%s", summary.StoreID),
		fmt.Sprintf("summary,date,%s", summary.Date),
		fmt.Sprintf("summary,timezone,%s", summary.Timezone),
		fmt.Sprintf("sales,order_count,%d", summary.OrderCount),
		fmt.Sprintf("sales,sales_cents,%d", summary.SalesCents),
		fmt.Sprintf("sales,cash_sales_cents,%d", summary.CashSalesCents),
		fmt.Sprintf("sales,non_cash_sales_cents,%d", summary.NonCashSalesCents),
		fmt.Sprintf("refunds,refund_count,%d", summary.RefundCount),
		fmt.Sprintf("refunds,refund_cents,%d", summary.RefundCents),
		fmt.Sprintf("costs,expense_cents,%d", summary.ExpenseCents),
		fmt.Sprintf("costs,purchase_cents,%d", summary.PurchaseCents),
		fmt.Sprintf("profit,net_profit_cents,%d", summary.NetProfitCents),
	}
	return strings.Join(lines, "\n") + "\n"
}

func (a *API) handleOrderStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	stats, err := a.service.Orders.OrderStats(r.Context(), q.Get("store_id"), q.Get("date"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleTopSelling(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	limit := parsePositiveLimit(q.Get("limit"), 10, 100)
	items, err := a.service.Orders.TopSelling(r.Context(), q.Get("store_id"), q.Get("date"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCashReconciliation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	report, err := a.service.Cash.Reconciliation(r.Context(), q.Get("store_id"), q.Get("date"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handlePurchases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.RecordPurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	entry, err := a.service.RecordPurchase(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleAccountingEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	entries, err := a.service.ListAccountingEntries(r.Context(), q.Get("store_id"), q.Get("date"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	limit := parsePositiveLimit(q.Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), q.Get("store_id"), q.Get("date"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
