package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NeelContractor/prediction-market/internal/engine"
	"github.com/NeelContractor/prediction-market/internal/instruction"
	"github.com/NeelContractor/prediction-market/internal/market"
	"github.com/NeelContractor/prediction-market/internal/observability"
	"github.com/NeelContractor/prediction-market/internal/orchestrator"
	"github.com/NeelContractor/prediction-market/internal/query"
	"github.com/NeelContractor/prediction-market/internal/token"
)

const (
	adminTimeout      = 30 * time.Second
	defaultExpiration = 2 * time.Minute
)

// Deps holds everything the HTTP API needs.
type Deps struct {
	Orchestrator  *orchestrator.Orchestrator
	Submitter     orchestrator.Submitter
	Watcher       orchestrator.Watcher
	Query         *query.Service
	HealthChecker *observability.HealthChecker
	Now           func() time.Time
}

// HTTPServer serves the JSON API: market administration, trade intents via
// the orchestrator, and reads from the query service.
type HTTPServer struct {
	httpServer *http.Server
	deps       *Deps
	addr       string
	now        func() time.Time
}

func NewHTTPServer(addr string, deps *Deps) *HTTPServer {
	s := &HTTPServer{
		deps: deps,
		addr: addr,
		now:  deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/markets", s.handleCreateMarket)
	mux.HandleFunc("GET /v1/markets", s.handleListMarkets)
	mux.HandleFunc("GET /v1/markets/{seed}", s.handleGetMarket)
	mux.HandleFunc("GET /v1/markets/{seed}/quote", s.handleQuote)
	mux.HandleFunc("POST /v1/markets/{seed}/swap", s.handleSwap)
	mux.HandleFunc("POST /v1/markets/{seed}/liquidity", s.handleAddLiquidity)
	mux.HandleFunc("POST /v1/markets/{seed}/claim", s.handleClaim)
	mux.HandleFunc("POST /v1/markets/{seed}/lock", s.handleLock)
	mux.HandleFunc("POST /v1/markets/{seed}/unlock", s.handleUnlock)
	mux.HandleFunc("POST /v1/markets/{seed}/settle", s.handleSettle)
	mux.HandleFunc("POST /v1/markets/{seed}/settle-emergency", s.handleEmergencySettle)
	mux.HandleFunc("GET /v1/actors/{actor}/holdings", s.handleHoldings)
	mux.HandleFunc("GET /v1/actors/{actor}/trades", s.handleTrades)
	mux.HandleFunc("GET /v1/admin/integrity", s.handleIntegrity)

	if deps.HealthChecker != nil {
		mux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
	}
	return s
}

// Start serves HTTP until the context is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// Market administration
// ============================================================================

type createMarketRequest struct {
	Seed           string    `json:"seed"`
	Admin          string    `json:"admin"`
	Question       string    `json:"question"`
	CollateralMint string    `json:"collateral_mint"`
	FeeBps         uint64    `json:"fee_bps"`
	EndTimestamp   time.Time `json:"end_timestamp"`
}

func (s *HTTPServer) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	admin, err := uuid.Parse(req.Admin)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse admin: %w", err))
		return
	}
	if req.Seed == "" || req.CollateralMint == "" {
		writeError(w, http.StatusBadRequest, errors.New("seed and collateral_mint are required"))
		return
	}

	in := &instruction.CreateMarket{
		OpID: uuid.New(),
		Config: market.Config{
			Seed:           req.Seed,
			Admin:          admin,
			Question:       req.Question,
			MintCollateral: token.Address(req.CollateralMint),
			FeeBps:         req.FeeBps,
			EndTimestamp:   req.EndTimestamp,
		},
		Timestamp: s.now(),
	}

	output, err := s.submitDirect(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshotResponse(output))
}

func (s *HTTPServer) handleLock(w http.ResponseWriter, r *http.Request) {
	s.handleAdminAction(w, r, func(seed string, actor uuid.UUID) instruction.Instruction {
		return &instruction.Lock{OpID: uuid.New(), Actor: actor, Market: seed, Timestamp: s.now()}
	})
}

func (s *HTTPServer) handleUnlock(w http.ResponseWriter, r *http.Request) {
	s.handleAdminAction(w, r, func(seed string, actor uuid.UUID) instruction.Instruction {
		return &instruction.Unlock{OpID: uuid.New(), Actor: actor, Market: seed, Timestamp: s.now()}
	})
}

type settleRequest struct {
	Actor      string `json:"actor"`
	Resolution bool   `json:"resolution"`
}

func (s *HTTPServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	seed := r.PathValue("seed")
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	actor, err := uuid.Parse(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse actor: %w", err))
		return
	}

	output, err := s.submitDirect(r.Context(), &instruction.Settle{
		OpID: uuid.New(), Actor: actor, Market: seed,
		Resolution: req.Resolution, Timestamp: s.now(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(output))
}

func (s *HTTPServer) handleEmergencySettle(w http.ResponseWriter, r *http.Request) {
	seed := r.PathValue("seed")
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	actor, err := uuid.Parse(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse actor: %w", err))
		return
	}

	output, err := s.submitDirect(r.Context(), &instruction.EmergencySettle{
		OpID: uuid.New(), Actor: actor, Market: seed,
		Resolution: req.Resolution, Timestamp: s.now(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(output))
}

type adminActionRequest struct {
	Actor string `json:"actor"`
}

func (s *HTTPServer) handleAdminAction(w http.ResponseWriter, r *http.Request, build func(seed string, actor uuid.UUID) instruction.Instruction) {
	seed := r.PathValue("seed")
	var req adminActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	actor, err := uuid.Parse(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse actor: %w", err))
		return
	}

	output, err := s.submitDirect(r.Context(), build(seed, actor))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(output))
}

// submitDirect sends a single-instruction transaction straight to the
// backend. Admin operations skip the orchestrator: they touch no holding
// accounts and need no pre-flight simulation.
func (s *HTTPServer) submitDirect(ctx context.Context, in instruction.Instruction) (engine.Output, error) {
	tx := &engine.Transaction{ID: uuid.New(), Instructions: []instruction.Instruction{in}}

	handle, err := s.deps.Submitter.Submit(ctx, tx)
	if err != nil {
		return engine.Output{}, err
	}

	awaitCtx, cancel := context.WithTimeout(ctx, adminTimeout)
	defer cancel()
	receipt, err := s.deps.Watcher.Await(awaitCtx, handle)
	if err != nil {
		return engine.Output{}, err
	}
	if len(receipt.Outputs) == 0 {
		return engine.Output{}, errors.New("duplicate operation")
	}
	return receipt.Outputs[len(receipt.Outputs)-1], nil
}

// ============================================================================
// Trade intents
// ============================================================================

type swapRequest struct {
	Actor      string     `json:"actor"`
	Direction  string     `json:"direction"`
	Side       string     `json:"side"`
	Amount     uint64     `json:"amount"`
	MinOut     uint64     `json:"min_out"`
	Expiration *time.Time `json:"expiration,omitempty"`
}

func (s *HTTPServer) handleSwap(w http.ResponseWriter, r *http.Request) {
	seed := r.PathValue("seed")
	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	actor, err := uuid.Parse(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse actor: %w", err))
		return
	}
	direction, side, err := parseDirectionSide(req.Direction, req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.deps.Orchestrator.Swap(r.Context(), orchestrator.SwapIntent{
		Market:     seed,
		Actor:      actor,
		Direction:  direction,
		Side:       side,
		Amount:     req.Amount,
		MinOut:     req.MinOut,
		Expiration: s.expiration(req.Expiration),
	})
	writeResult(w, res, err)
}

type liquidityRequest struct {
	Actor      string     `json:"actor"`
	YesAmount  uint64     `json:"yes_amount"`
	NoAmount   uint64     `json:"no_amount"`
	Expiration *time.Time `json:"expiration,omitempty"`
}

func (s *HTTPServer) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	seed := r.PathValue("seed")
	var req liquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	actor, err := uuid.Parse(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse actor: %w", err))
		return
	}

	res, err := s.deps.Orchestrator.AddLiquidity(r.Context(), orchestrator.LiquidityIntent{
		Market:     seed,
		Actor:      actor,
		YesAmount:  req.YesAmount,
		NoAmount:   req.NoAmount,
		Expiration: s.expiration(req.Expiration),
	})
	writeResult(w, res, err)
}

type claimRequest struct {
	Actor    string `json:"actor"`
	ClaimYes bool   `json:"claim_yes"`
}

func (s *HTTPServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	seed := r.PathValue("seed")
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	actor, err := uuid.Parse(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse actor: %w", err))
		return
	}

	res, err := s.deps.Orchestrator.Claim(r.Context(), orchestrator.ClaimIntent{
		Market:   seed,
		Actor:    actor,
		ClaimYes: req.ClaimYes,
	})
	writeResult(w, res, err)
}

func (s *HTTPServer) expiration(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return s.now().Add(defaultExpiration)
}

// ============================================================================
// Reads
// ============================================================================

func (s *HTTPServer) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Query.GetMarket(r.Context(), r.PathValue("seed"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *HTTPServer) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	after := r.URL.Query().Get("after")

	markets, err := s.deps.Query.ListMarkets(r.Context(), limit, after)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": markets})
}

func (s *HTTPServer) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	direction, side, err := parseDirectionSide(q.Get("direction"), q.Get("side"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := strconv.ParseUint(q.Get("amount"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse amount: %w", err))
		return
	}

	quote, err := s.deps.Query.QuoteSwap(r.Context(), r.PathValue("seed"), direction, side, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *HTTPServer) handleHoldings(w http.ResponseWriter, r *http.Request) {
	actor, err := uuid.Parse(r.PathValue("actor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse actor: %w", err))
		return
	}

	var seed *string
	if m := r.URL.Query().Get("market"); m != "" {
		seed = &m
	}

	holdings, err := s.deps.Query.GetHoldings(r.Context(), actor, seed)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"holdings": holdings})
}

func (s *HTTPServer) handleTrades(w http.ResponseWriter, r *http.Request) {
	actor, err := uuid.Parse(r.PathValue("actor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse actor: %w", err))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	trades, err := s.deps.Query.GetTrades(r.Context(), actor, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ============================================================================
// Response plumbing
// ============================================================================

type operationResponse struct {
	Outcome string      `json:"outcome"`
	Amount  uint64      `json:"amount,omitempty"`
	Market  *marketJSON `json:"market,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type marketJSON struct {
	Seed            string `json:"seed"`
	VaultYes        uint64 `json:"vault_yes"`
	VaultNo         uint64 `json:"vault_no"`
	VaultCollateral uint64 `json:"vault_collateral"`
	TotalLiquidity  uint64 `json:"total_liquidity"`
	Locked          bool   `json:"locked"`
	Settled         bool   `json:"settled"`
	Resolution      bool   `json:"resolution"`
}

func marketFromSnapshot(snap market.Snapshot) *marketJSON {
	if snap.Market.Seed == "" {
		return nil
	}
	return &marketJSON{
		Seed:            snap.Market.Seed,
		VaultYes:        snap.VaultYes,
		VaultNo:         snap.VaultNo,
		VaultCollateral: snap.VaultCollateral,
		TotalLiquidity:  snap.Market.TotalLiquidity,
		Locked:          snap.Market.Locked,
		Settled:         snap.Market.Settled,
		Resolution:      snap.Market.Resolution,
	}
}

func snapshotResponse(output engine.Output) operationResponse {
	return operationResponse{
		Outcome: "applied",
		Amount:  output.Amount,
		Market:  marketFromSnapshot(output.Snapshot),
	}
}

// writeResult maps an orchestrator result to HTTP. Unknown outcomes return
// 202: the operation may still land, and the client must re-query rather
// than blindly retry.
func writeResult(w http.ResponseWriter, res orchestrator.Result, err error) {
	switch res.Outcome {
	case orchestrator.OutcomeApplied:
		writeJSON(w, http.StatusOK, operationResponse{
			Outcome: "applied",
			Amount:  res.Amount,
			Market:  marketFromSnapshot(res.Snapshot),
		})
	case orchestrator.OutcomeUnknown:
		resp := operationResponse{
			Outcome: "unknown",
			Market:  marketFromSnapshot(res.Snapshot),
		}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		writeJSON(w, http.StatusAccepted, resp)
	default:
		writeDomainError(w, err)
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrMarketNotFound), errors.Is(err, query.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, market.ErrAccountInUse):
		status = http.StatusConflict
	default:
		switch market.Classify(err) {
		case market.CategoryValidation, market.CategoryArithmetic:
			status = http.StatusBadRequest
		case market.CategoryState:
			status = http.StatusConflict
		}
	}
	if errors.Is(err, orchestrator.ErrSimulationRejected) && status == http.StatusInternalServerError {
		status = http.StatusBadRequest
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, operationResponse{Outcome: "rejected", Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: encode response: %v", err)
	}
}

func parseDirectionSide(d, s string) (market.Direction, market.Side, error) {
	var direction market.Direction
	switch d {
	case "buy":
		direction = market.DirectionBuy
	case "sell":
		direction = market.DirectionSell
	default:
		return 0, 0, fmt.Errorf("unknown direction: %q", d)
	}

	var side market.Side
	switch s {
	case "yes":
		side = market.SideYes
	case "no":
		side = market.SideNo
	default:
		return 0, 0, fmt.Errorf("unknown side: %q", s)
	}
	return direction, side, nil
}
