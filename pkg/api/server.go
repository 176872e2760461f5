package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/artmkt/marketd/pkg/market"
)

// Options configure the API surface.
type Options struct {
	JWTSecret      string
	AllowedOrigins []string
	RateBurst      int
	RatePerSecond  int
	MaxBodyBytes   int64
}

// Server exposes the coordination engine over the single
// action-dispatched artwork endpoint, plus health, metrics and the
// websocket push channel.
type Server struct {
	engine    *market.Engine
	router    *mux.Router
	hub       *Hub
	log       *zap.SugaredLogger
	jwtSecret string
	opts      Options
}

func NewServer(engine *market.Engine, log *zap.SugaredLogger, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		engine:    engine,
		router:    mux.NewRouter(),
		hub:       NewHub(log),
		log:       log,
		jwtSecret: opts.JWTSecret,
		opts:      opts,
	}
	engine.SetNotifier(s.hub)
	s.setupRoutes()
	return s
}

// Hub returns the websocket hub; main starts its loop.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.Handle("/artwork/{tokenid:[0-9]+}", s.withAuth(http.HandlerFunc(s.handleArtwork))).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", metricsHandler()).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Handler assembles the middleware chain around the router.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	var h http.Handler = s.router
	h = maxBodyBytes(h, s.opts.MaxBodyBytes)
	if s.opts.RatePerSecond > 0 {
		h = rateLimit(h, s.opts.RateBurst, s.opts.RatePerSecond)
	}
	h = instrument(h)
	h = logging(s.log, h)
	return c.Handler(h)
}

// Start runs the hub and serves until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	s.log.Infow("api_started", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, Response{Status: "ok"})
}

// handleArtwork dispatches every trade action for one token. All
// outcomes, including faults, come back as the {status,msg} envelope;
// clients never see a stack or a 500 from this endpoint.
func (s *Server) handleArtwork(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(r.Context())
	if !ok {
		respond(w, Response{Status: "err", Msg: "login"})
		return
	}

	tokenID, err := strconv.ParseUint(mux.Vars(r)["tokenid"], 10, 64)
	if err != nil {
		respondErr(w, "", "unknown")
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, "", "unknown")
		return
	}

	if _, ok := s.engine.Asset(tokenID); !ok {
		s.log.Warnw("unknown_token", "token", tokenID, "action", req.Action)
		respondErr(w, req.Action, "unknown")
		return
	}

	resp := s.dispatch(r, userID, tokenID, req)
	actionsTotal.WithLabelValues(req.Action, resp.Status).Inc()
	respond(w, resp)
}

func (s *Server) dispatch(r *http.Request, userID int64, tokenID uint64, req ActionRequest) Response {
	ctx := r.Context()

	switch req.Action {
	case "buy":
		if !common.IsHexAddress(req.Buyer) {
			return errResponse(market.ErrInvalidAddress)
		}
		auth, err := s.engine.AuthorizeBuy(ctx, userID, market.BuyRequest{
			TokenID:   tokenID,
			Buyer:     common.HexToAddress(req.Buyer),
			ListingID: req.PID,
			Quantity:  req.Count,
			UnitPrice: req.BuyPrice,
		})
		if err != nil {
			return errResponse(err)
		}
		return Response{Status: "ok", Msg: auth}

	case "sell":
		if !common.IsHexAddress(req.Seller) {
			return errResponse(market.ErrInvalidAddress)
		}
		auth, err := s.engine.AuthorizeSell(ctx, userID, market.SellRequest{
			OfferID:   req.PID,
			Seller:    common.HexToAddress(req.Seller),
			Quantity:  req.Count,
			UnitPrice: req.SellPrice,
		})
		if err != nil {
			return errResponse(err)
		}
		return Response{Status: "ok", Msg: auth}

	case "transfer":
		if !common.IsHexAddress(req.Address) {
			return errResponse(market.ErrInvalidAddress)
		}
		desc, err := s.engine.AuthorizeTransfer(ctx, userID, common.HexToAddress(req.Address), req.To, tokenID, req.Count)
		if err != nil {
			return errResponse(err)
		}
		return Response{Status: "ok", Msg: desc}

	case "tx":
		if req.Tx == nil {
			return errResponse(market.ErrInvalidTerms)
		}
		if _, err := s.engine.Intake(ctx, userID, s.submission(tokenID, req.Tx)); err != nil {
			return errResponse(err)
		}
		return Response{Status: "ok"}

	case "offer":
		if req.Tx == nil || req.Offer == nil {
			return errResponse(market.ErrInvalidTerms)
		}
		terms := market.OfferTerms{Price: req.Offer.Price, Quantity: req.Offer.Quantity}
		if _, err := s.engine.CreateOffer(ctx, userID, tokenID, terms, s.submission(tokenID, req.Tx)); err != nil {
			return errResponse(err)
		}
		return Response{Status: "ok"}

	case "check":
		if err := s.engine.Reconcile(ctx); err != nil {
			// Ledger trouble is transient; the records stay pending.
			s.log.Warnw("check_reconcile_failed", "err", err)
		}
		return Response{Status: "ok"}

	case "like":
		if err := s.engine.Favorite(userID, tokenID); err != nil {
			return errResponse(err)
		}
		return Response{Status: "ok"}

	case "list":
		if req.Tx == nil || req.List == nil || !common.IsHexAddress(req.List.Address) {
			return errResponse(market.ErrInvalidTerms)
		}
		_, err := s.engine.CreateListing(ctx, userID, common.HexToAddress(req.List.Address),
			tokenID, req.List.Price, req.List.Quantity, s.submission(tokenID, req.Tx))
		if err != nil {
			return errResponse(err)
		}
		return Response{Status: "ok"}

	case "delist":
		if err := s.engine.Delist(ctx, userID); err != nil {
			return errResponse(err)
		}
		return Response{Status: "ok"}

	case "listing":
		listings, err := s.engine.Listings(tokenID)
		if err != nil {
			return errResponse(err)
		}
		return Response{Status: "ok", Msg: listings}

	case "offers":
		offers, err := s.engine.Offers(tokenID)
		if err != nil {
			return errResponse(err)
		}
		return Response{Status: "ok", Msg: offers}
	}

	s.log.Warnw("unknown_action", "action", req.Action, "token", tokenID)
	return Response{Status: "err", Msg: "unknown"}
}

func (s *Server) submission(tokenID uint64, tx *TxPayload) market.TxSubmission {
	return market.TxSubmission{
		Ref:       tx.TxID,
		Kind:      parseTxKind(tx.Kind),
		TokenID:   tokenID,
		ListingID: tx.PID,
		OfferID:   tx.OfferID,
		Quantity:  tx.Quantity,
		From:      common.HexToAddress(tx.From),
		To:        common.HexToAddress(tx.To),
	}
}

func parseTxKind(kind string) market.TxKind {
	switch kind {
	case "listing":
		return market.TxKindListing
	case "offer":
		return market.TxKindOffer
	case "transfer":
		return market.TxKindTransfer
	default:
		return market.TxKindSale
	}
}

// errResponse maps the engine's error taxonomy onto the exact messages
// the web client keys off.
func errResponse(err error) Response {
	return Response{Status: "err", Msg: errMessage(err)}
}

func errMessage(err error) string {
	switch {
	case errors.Is(err, market.ErrInsufficientInventory):
		return "out of balance"
	case errors.Is(err, market.ErrPriceStale):
		return "refresh page, please"
	case errors.Is(err, market.ErrInvalidAddress):
		return "invalid address format"
	case errors.Is(err, market.ErrUnregisteredRecipient):
		return "unregistered account"
	case errors.Is(err, market.ErrSigningFailed):
		return "bad signature"
	case errors.Is(err, market.ErrAddressConflict):
		return "address in use by another account"
	case errors.Is(err, market.ErrNotFound):
		return "not found"
	case errors.Is(err, market.ErrInvalidTerms):
		return "invalid price or quantity"
	case errors.Is(err, market.ErrAlreadyFavorite):
		return "You already add to favorites"
	}
	return "unknown"
}

func respond(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func respondErr(w http.ResponseWriter, action, msg string) {
	if action != "" {
		actionsTotal.WithLabelValues(action, "err").Inc()
	}
	respond(w, Response{Status: "err", Msg: msg})
}
