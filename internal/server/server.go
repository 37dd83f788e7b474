package server

import (
	"embed"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	vmmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"

	"payfort-service/internal/db"
	"payfort-service/internal/payment"
	"payfort-service/internal/signature"
)

//go:embed templates/*.html
var templateFS embed.FS

type Server struct {
	processor   *payment.Processor
	initiator   *payment.Initiator
	orders      payment.OrderResolver
	sites       payment.SiteResolver
	statusToken string
	logger      *slog.Logger
	templates   *template.Template
}

func New(
	processor *payment.Processor,
	initiator *payment.Initiator,
	orders payment.OrderResolver,
	sites payment.SiteResolver,
	statusToken string,
	logger *slog.Logger,
) *Server {
	return &Server{
		processor:   processor,
		initiator:   initiator,
		orders:      orders,
		sites:       sites,
		statusToken: statusToken,
		logger:      logger,
		templates:   template.Must(template.ParseFS(templateFS, "templates/*.html")),
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		vmmetrics.WritePrometheus(w, true)
	})
	mux.HandleFunc("GET /payfort/pay/{orderID}", s.handlePay)
	mux.HandleFunc("POST /payfort/return", s.handleReturn)
	mux.HandleFunc("POST /payfort/feedback", s.handleFeedback)
	mux.HandleFunc("GET /payfort/status", s.handleStatus)
	return mux
}

// handlePay renders the auto-submitting form that hands the buyer's browser
// to the gateway's payment page.
func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(r.PathValue("orderID"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	order, err := s.orders.GetByID(r.Context(), orderID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if order.Status != db.OrderStatusProcessing {
		http.Error(w, "order is not awaiting payment", http.StatusConflict)
		return
	}

	items, err := s.orders.GetItems(r.Context(), orderID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Error loading order items", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	site, err := s.sites.GetByID(r.Context(), order.SiteID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	params, err := s.initiator.BuildParams(order, items, site)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Error building transaction parameters", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	paymentPageURL := params["payment_page_url"]
	fields := make(map[string]string, len(params))
	for key, value := range params {
		if key == "payment_page_url" {
			continue
		}
		fields[key] = value
	}

	s.render(w, "pay.html", map[string]any{
		"PaymentPageURL": paymentPageURL,
		"Fields":         fields,
	})
}

// handleReturn always answers 200: either the wait page or the generic error
// page, never a transport error the buyer's browser would choke on.
func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	wait, err := s.processor.HandleReturn(r.Context(), formFields(r))
	if err != nil {
		s.render(w, "error.html", nil)
		return
	}
	s.render(w, "wait.html", wait)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	err := s.processor.HandleFeedback(r.Context(), formFields(r))
	if err != nil {
		if errors.Is(err, payment.ErrUnresolvable) || errors.Is(err, signature.ErrBadSignature) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.logger.ErrorContext(r.Context(), "Unexpected feedback processing error", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	transactionID := r.URL.Query().Get("transaction_id")
	merchantReference := r.URL.Query().Get("merchant_reference")

	if !s.authorized(r) && !s.pollAuthorized(r, transactionID, merchantReference) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	var missing []string
	if transactionID == "" {
		missing = append(missing, "Transaction Id")
	}
	if merchantReference == "" {
		missing = append(missing, "Merchant Reference")
	}
	if len(missing) > 0 {
		message := strings.Join(missing, ", ") + " is required to verify payment status."
		s.logger.ErrorContext(r.Context(), "Status poll missing parameters", "missing", missing)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": message})
		return
	}

	result := s.processor.HandleStatus(r.Context(), transactionID, merchantReference)
	switch result.HTTPStatus {
	case http.StatusOK:
		writeJSON(w, http.StatusOK, map[string]string{
			"invoice":     result.Invoice,
			"invoice_url": result.InvoiceURL,
		})
	case http.StatusNoContent:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, result.HTTPStatus, map[string]string{"error": result.ErrorMessage})
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.statusToken == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	return found && token == s.statusToken
}

// pollAuthorized accepts the signed token the wait page carries; browsers
// cannot attach the bearer header the API contract uses.
func (s *Server) pollAuthorized(r *http.Request, transactionID, merchantReference string) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		return false
	}
	expires := r.URL.Query().Get("expires")
	return s.processor.VerifyPollToken(transactionID, merchantReference, expires, token) == nil
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Error rendering template", "template", name, "error", err)
	}
}

func formFields(r *http.Request) map[string]string {
	_ = r.ParseForm()
	fields := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		fields[key] = r.PostForm.Get(key)
	}
	return fields
}

func writeJSON(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
