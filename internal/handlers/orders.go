package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/platform/httpx"
	"github.com/cuecraft/api/internal/platform/pagination"
	"github.com/cuecraft/api/internal/services"
)

const maxOrderBodySize = 16 * 1024

// OrderHandlers exposes the order lifecycle to customers, directors and administrators.
type OrderHandlers struct {
	users  PrincipalResolver
	orders services.OrderService
	paging pagination.Options
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(users PrincipalResolver, orders services.OrderService, paging pagination.Options) *OrderHandlers {
	return &OrderHandlers{
		users:  users,
		orders: orders,
		paging: paging,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.With(pagination.Middleware(h.paging)).Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/history", h.listHistory)
	r.Post("/{orderID}/assign", h.assignDirector)
	r.Post("/{orderID}/offer", h.submitOffer)
	r.Post("/{orderID}/accept", h.acceptOffer)
	r.Post("/{orderID}/reject", h.rejectOffer)
	r.Post("/{orderID}/start", h.startWork)
	r.Post("/{orderID}/deliveries:sign", h.signDeliveryUpload)
	r.Post("/{orderID}/deliver", h.deliver)
	r.Post("/{orderID}/revision", h.requestRevision)
	r.Post("/{orderID}/complete", h.complete)
}

// principal resolves the caller and checks the service is configured.
func (h *OrderHandlers) principal(w http.ResponseWriter, r *http.Request) (services.Principal, bool) {
	if h.orders == nil {
		serviceUnavailable(r.Context(), w, "order")
		return services.Principal{}, false
	}
	return currentPrincipal(w, r, h.users)
}

func (h *OrderHandlers) respond(w http.ResponseWriter, r *http.Request, status int, order services.Order, err error) {
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, status, buildOrderPayload(order))
}

type createOrderRequest struct {
	DirectorID  *string `json:"directorId"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Genre       string  `json:"genre"`
	Budget      *int64  `json:"budget"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	order, err := h.orders.CreateOrder(r.Context(), services.CreateOrderCommand{
		Actor:       principal,
		DirectorID:  trimmedPtr(req.DirectorID),
		Title:       req.Title,
		Description: req.Description,
		Genre:       req.Genre,
		Budget:      req.Budget,
	})
	h.respond(w, r, http.StatusCreated, order, err)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	statuses, invalid := parseStatusFilter(r.URL.Query()["status"])
	if invalid != "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown order status "+invalid, http.StatusBadRequest))
		return
	}
	page, err := h.orders.ListOrders(ctx, principal, services.OrderListFilter{
		Status:     statuses,
		Pagination: pagination.FromContextOrDefault(ctx).Pagination(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPage(page, buildOrderPayload))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(r.Context(), principal, chi.URLParam(r, "orderID"))
	h.respond(w, r, http.StatusOK, order, err)
}

func (h *OrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	history, err := h.orders.ListHistory(r.Context(), principal, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": buildList(history, buildOrderHistoryPayload)})
}

type assignDirectorRequest struct {
	DirectorID string `json:"directorId"`
}

func (h *OrderHandlers) assignDirector(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req assignDirectorRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	order, err := h.orders.AssignDirector(r.Context(), services.AssignDirectorCommand{
		Actor:      principal,
		OrderID:    chi.URLParam(r, "orderID"),
		DirectorID: req.DirectorID,
	})
	h.respond(w, r, http.StatusOK, order, err)
}

type submitOfferRequest struct {
	Price             int64  `json:"price"`
	ProductionTime    int    `json:"productionTime"`
	IncludedRevisions *int   `json:"includedRevisions"`
	Message           string `json:"message"`
}

func (h *OrderHandlers) submitOffer(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req submitOfferRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	order, err := h.orders.SubmitOffer(r.Context(), services.SubmitOfferCommand{
		Actor:             principal,
		OrderID:           chi.URLParam(r, "orderID"),
		Price:             req.Price,
		ProductionDays:    req.ProductionTime,
		IncludedRevisions: req.IncludedRevisions,
		Message:           req.Message,
	})
	h.respond(w, r, http.StatusOK, order, err)
}

func (h *OrderHandlers) acceptOffer(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	order, err := h.orders.AcceptOffer(r.Context(), services.OrderActionCommand{Actor: principal, OrderID: chi.URLParam(r, "orderID")})
	h.respond(w, r, http.StatusOK, order, err)
}

type rejectOfferRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) rejectOffer(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req rejectOfferRequest
	if !decodeOptionalJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	order, err := h.orders.RejectOffer(r.Context(), services.RejectOfferCommand{
		Actor:   principal,
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  req.Reason,
	})
	h.respond(w, r, http.StatusOK, order, err)
}

func (h *OrderHandlers) startWork(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	order, err := h.orders.StartWork(r.Context(), services.OrderActionCommand{Actor: principal, OrderID: chi.URLParam(r, "orderID")})
	h.respond(w, r, http.StatusOK, order, err)
}

type deliveryUploadRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

func (h *OrderHandlers) signDeliveryUpload(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req deliveryUploadRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	signed, err := h.orders.SignDeliveryUpload(r.Context(), services.DeliveryUploadCommand{
		Actor:       principal,
		OrderID:     chi.URLParam(r, "orderID"),
		FileName:    req.FileName,
		ContentType: req.ContentType,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildSignedURLPayload(signed))
}

type deliverRequest struct {
	MusicURL string `json:"musicUrl"`
	Message  string `json:"message"`
}

func (h *OrderHandlers) deliver(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req deliverRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	order, err := h.orders.Deliver(r.Context(), services.DeliverCommand{
		Actor:    principal,
		OrderID:  chi.URLParam(r, "orderID"),
		MusicURL: req.MusicURL,
		Message:  req.Message,
	})
	h.respond(w, r, http.StatusOK, order, err)
}

type revisionRequest struct {
	Feedback string `json:"feedback"`
}

func (h *OrderHandlers) requestRevision(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req revisionRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}
	order, err := h.orders.RequestRevision(r.Context(), services.RequestRevisionCommand{
		Actor:    principal,
		OrderID:  chi.URLParam(r, "orderID"),
		Feedback: req.Feedback,
	})
	h.respond(w, r, http.StatusOK, order, err)
}

func (h *OrderHandlers) complete(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Complete(r.Context(), services.OrderActionCommand{Actor: principal, OrderID: chi.URLParam(r, "orderID")})
	h.respond(w, r, http.StatusOK, order, err)
}

// parseStatusFilter accepts repeated or comma separated status values. The second return is the
// first unknown value, if any.
func parseStatusFilter(raw []string) ([]services.OrderStatus, string) {
	var statuses []services.OrderStatus
	seen := make(map[domain.OrderStatus]struct{})
	for _, value := range raw {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status, ok := domain.ParseOrderStatus(strings.ToUpper(part))
			if !ok {
				return nil, part
			}
			if _, dup := seen[status]; dup {
				continue
			}
			seen[status] = struct{}{}
			statuses = append(statuses, status)
		}
	}
	return statuses, ""
}
