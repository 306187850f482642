// Package httpapi exposes the bid engine over HTTP and WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/jensholdgaard/auction-engine/internal/auction"
	"github.com/jensholdgaard/auction-engine/internal/event"
	"github.com/jensholdgaard/auction-engine/internal/hub"
)

// Identity headers set by the upstream authentication proxy.
const (
	HeaderBidderRef     = "X-Bidder-Ref"
	HeaderAuthorizerRef = "X-Authorizer-Ref"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// Engine is the part of the bid engine the API calls.
type Engine interface {
	CreateAuction(ctx context.Context, s auction.Settings) (auction.Snapshot, error)
	PlaceBid(ctx context.Context, req auction.BidRequest) (auction.BidResult, error)
	TransitionStage(ctx context.Context, req auction.TransitionRequest) (auction.Snapshot, error)
	Snapshot(ctx context.Context, auctionID string) (auction.Snapshot, error)
	Bids(ctx context.Context, auctionID string) ([]auction.Bid, error)
	Events(ctx context.Context, auctionID string, after int64) ([]event.Event, error)
	EventsByType(ctx context.Context, typ event.Type) ([]event.Event, error)
}

// Subscriber opens live auction streams.
type Subscriber interface {
	Subscribe(ctx context.Context, auctionID string) (*hub.Subscription, error)
}

// Server serves the auction API.
type Server struct {
	engine   Engine
	streams  Subscriber
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New returns a Server.
func New(engine Engine, streams Subscriber, logger *slog.Logger) *Server {
	return &Server{
		engine:   engine,
		streams:  streams,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auctions", s.createAuction).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}", s.getAuction).Methods(http.MethodGet)
	v1.HandleFunc("/auctions/{id}/bids", s.placeBid).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/bids", s.listBids).Methods(http.MethodGet)
	v1.HandleFunc("/auctions/{id}/transitions", s.transition).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/events", s.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/auctions/{id}/subscribe", s.subscribe).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.listEventsByType).Methods(http.MethodGet).Queries("type", "{type}")
	return r
}

type createAuctionRequest struct {
	SellerRef                string    `json:"seller_ref" validate:"required"`
	Title                    string    `json:"title" validate:"required,max=200"`
	OpeningPrice             int64     `json:"opening_price" validate:"gt=0"`
	ReservePrice             *int64    `json:"reserve_price,omitempty" validate:"omitempty,gt=0"`
	MinIncrement             int64     `json:"min_increment" validate:"gt=0"`
	ScheduledStart           time.Time `json:"scheduled_start" validate:"required"`
	ScheduledEnd             time.Time `json:"scheduled_end" validate:"required,gtfield=ScheduledStart"`
	ExtensionWindowSeconds   int64     `json:"extension_window_seconds" validate:"gte=0"`
	ExtensionDurationSeconds int64     `json:"extension_duration_seconds" validate:"gte=0"`
	ExtensionCap             *int      `json:"extension_cap,omitempty" validate:"omitempty,gte=0"`
}

func (r createAuctionRequest) settings() auction.Settings {
	return auction.Settings{
		SellerRef:         r.SellerRef,
		Title:             r.Title,
		OpeningPrice:      r.OpeningPrice,
		ReservePrice:      r.ReservePrice,
		MinIncrement:      r.MinIncrement,
		ScheduledStart:    r.ScheduledStart.UTC(),
		ScheduledEnd:      r.ScheduledEnd.UTC(),
		ExtensionWindow:   time.Duration(r.ExtensionWindowSeconds) * time.Second,
		ExtensionDuration: time.Duration(r.ExtensionDurationSeconds) * time.Second,
		ExtensionCap:      r.ExtensionCap,
	}
}

type placeBidRequest struct {
	Amount       int64  `json:"amount" validate:"gt=0"`
	ProxyCeiling *int64 `json:"proxy_ceiling,omitempty" validate:"omitempty,gt=0"`
}

type bidResponse struct {
	Accepted     bool              `json:"accepted"`
	BidID        string            `json:"bid_id,omitempty"`
	Status       auction.BidStatus `json:"status"`
	CurrentPrice int64             `json:"current_price"`
	CurrentEnd   time.Time         `json:"current_end"`
	Seq          int64             `json:"seq"`
}

type transitionRequest struct {
	Target string `json:"target" validate:"required,oneof=approved live closed cancelled"`
	Reason string `json:"reason" validate:"max=500"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := s.engine.CreateAuction(r.Context(), req.settings())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) placeBid(w http.ResponseWriter, r *http.Request) {
	bidder := r.Header.Get(HeaderBidderRef)
	if bidder == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: HeaderBidderRef + " header is required", Reason: "invalid"})
		return
	}
	var req placeBidRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.engine.PlaceBid(r.Context(), auction.BidRequest{
		AuctionID:    mux.Vars(r)["id"],
		BidderRef:    bidder,
		Amount:       req.Amount,
		ProxyCeiling: req.ProxyCeiling,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bidResponse{
		Accepted:     res.Accepted,
		BidID:        res.BidID,
		Status:       res.Status,
		CurrentPrice: res.CurrentPrice,
		CurrentEnd:   res.CurrentEnd,
		Seq:          res.Seq,
	})
}

func (s *Server) listBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.engine.Bids(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	authorizer := r.Header.Get(HeaderAuthorizerRef)
	if authorizer == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: HeaderAuthorizerRef + " header is required", Reason: "missing_authorizer"})
		return
	}
	var req transitionRequest
	if !s.decode(w, r, &req) {
		return
	}
	target, err := auction.ParseStage(req.Target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snap, err := s.engine.TransitionStage(r.Context(), auction.TransitionRequest{
		AuctionID:     mux.Vars(r)["id"],
		Target:        target,
		AuthorizerRef: authorizer,
		Reason:        req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "after must be a non-negative integer", Reason: "invalid"})
			return
		}
		after = n
	}
	events, err := s.engine.Events(r.Context(), mux.Vars(r)["id"], after)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// listEventsByType serves the cross-auction audit feed, e.g. every
// auction.closed event for settlement reconciliation.
func (s *Server) listEventsByType(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.EventsByType(r.Context(), event.Type(mux.Vars(r)["type"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// subscribe streams an auction over a WebSocket: one snapshot frame, then
// one frame per event in sequence order.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sub, err := s.streams.Subscribe(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed",
			slog.String("auction_id", id),
			slog.Any("error", err),
		)
		return
	}
	defer conn.Close()

	// Reads only serve to notice the client going away.
	gone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				code, text := websocket.CloseNormalClosure, "auction ended"
				if errors.Is(sub.Err(), hub.ErrSlowSubscriber) {
					code, text = websocket.CloseTryAgainLater, "subscriber too slow"
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.DebugContext(r.Context(), "websocket write failed",
					slog.String("auction_id", id),
					slog.Any("error", err),
				)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error(), Reason: "invalid"})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		resp := errorResponse{Error: "invalid request", Reason: "invalid"}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				resp.Details = append(resp.Details, fe.Field()+" failed "+fe.Tag())
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

// StatusCode maps an engine error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, auction.ErrValidation), errors.Is(err, auction.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, auction.ErrState):
		return http.StatusConflict
	case errors.Is(err, auction.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	resp := errorResponse{Error: err.Error(), Reason: auction.RejectionReason(err)}
	switch code {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case http.StatusInternalServerError:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		resp.Error = "internal error"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
