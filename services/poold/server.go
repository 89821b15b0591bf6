package poold

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ledgererrors "tidepool/core/errors"
	"tidepool/crypto"
	"tidepool/integrations/exports"
	"tidepool/native/bank"
	"tidepool/native/burn"
	"tidepool/native/distribution"
	"tidepool/native/fees"
	"tidepool/native/weights"
	"tidepool/observability"
	"tidepool/services/poold/history"
	mw "tidepool/services/poold/middleware"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("poold: malformed request")

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Ledger         *Ledger
	History        *history.Store
	Broker         *Broker
	Auth           mw.AuthConfig
	RateLimits     map[string]mw.RateLimit
	Metrics        *observability.PooldMetrics
	Logger         *slog.Logger
	OriginPatterns []string
}

// Server exposes the ledger operations over HTTP.
type Server struct {
	ledger         *Ledger
	history        *history.Store
	broker         *Broker
	metrics        *observability.PooldMetrics
	logger         *slog.Logger
	originPatterns []string

	router http.Handler
}

// NewServer constructs the HTTP router.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	broker := cfg.Broker
	if broker == nil {
		broker = NewBroker(nil)
	}
	origins := cfg.OriginPatterns
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	srv := &Server{
		ledger:         cfg.Ledger,
		history:        cfg.History,
		broker:         broker,
		metrics:        cfg.Metrics,
		logger:         logger,
		originPatterns: origins,
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(cfg ServerConfig) http.Handler {
	var onThrottle func(string)
	var observer mw.RequestObserver
	if s.metrics != nil {
		onThrottle = s.metrics.RecordThrottle
		observer = s.metrics
	}
	auth := mw.NewAuthenticator(cfg.Auth, s.logger)
	limiter := mw.NewRateLimiter(cfg.RateLimits, onThrottle)
	var store mw.IdempotencyStore
	if s.history != nil {
		store = s.history
	}
	idempotency := mw.WithIdempotency(store, s.logger)
	obs := mw.NewObservability("poold", observer, s.logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(obs.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/epoch", s.handleEpoch)
		api.Get("/streams", s.handleStreams)
		api.Get("/streams/{asset}", s.handleStream)
		api.Group(func(ticks chi.Router) {
			ticks.Use(limiter.Middleware("ticks"))
			ticks.Post("/streams/{asset}/sync", s.handleStreamSync)
			ticks.Post("/streams/{asset}/start", s.handleStreamStart)
			ticks.Post("/streams/{asset}/drip", s.handleStreamDrip)
			ticks.Post("/streams/{asset}/checkpoint", s.handleStreamCheckpoint)
		})

		api.Get("/targets", s.handleTargets)
		api.Get("/targets/{target}/pools", s.handlePools)
		api.Get("/targets/{target}/pools/{epoch}/{asset}", s.handlePool)
		api.Get("/targets/{target}/pools/{epoch}/{asset}/preview/{identity}", s.handlePreview)
		api.Get("/targets/{target}/pools/{epoch}/{asset}/contributions/{identity}", s.handleContribution)
		api.Get("/weights/{target}/{epoch}", s.handleWeights)
		api.Get("/weights/{target}/{epoch}/{identity}", s.handleWeights)
		api.Get("/balances/{asset}/{account}", s.handleBalance)
		api.Get("/supply/{asset}", s.handleSupply)
		api.Get("/fees", s.handleFeeTotals)
		api.Get("/events", s.handleEvents)
		api.Get("/events/stream", s.handleEventStream)
		api.Get("/exports/payouts", s.handleExportPayouts)

		api.Group(func(open chi.Router) {
			open.Use(limiter.Middleware("mutations"))
			open.Use(idempotency)
			open.Post("/claim", s.handleClaim)
			open.Post("/refund", s.handleRefund)
		})
		api.Group(func(priv chi.Router) {
			priv.Use(limiter.Middleware("mutations"))
			priv.With(auth.Middleware(), idempotency).Post("/deposit", s.handleDeposit)
			priv.With(auth.Middleware(mw.ScopeFees), idempotency).Post("/fees", s.handleFees)
			priv.With(auth.Middleware(mw.ScopeFees), idempotency).Post("/inflows", s.handleInflow)
			priv.With(auth.Middleware(mw.ScopeOracle), idempotency).Post("/weights", s.handleRecordWeight)
			priv.With(auth.Middleware(mw.ScopeAdmin), idempotency).Post("/sweep", s.handleSweep)
		})
	})
	return r
}

type epochResponse struct {
	Now     uint64 `json:"now"`
	Current uint64 `json:"current"`
	Next    uint64 `json:"next"`
	Length  uint64 `json:"length"`
}

func (s *Server) handleEpoch(w http.ResponseWriter, _ *http.Request) {
	clock := s.ledger.Clock()
	now := clock.Timestamp()
	writeJSON(w, http.StatusOK, epochResponse{Now: now, Current: clock.Start(now), Next: clock.Next(now), Length: clock.Length()})
}

type streamResponse struct {
	Asset           string `json:"asset"`
	Account         string `json:"account"`
	Held            string `json:"held"`
	PendingAmount   string `json:"pendingAmount"`
	PendingEpoch    uint64 `json:"pendingEpoch"`
	ActiveAmount    string `json:"activeAmount"`
	ActiveEpoch     uint64 `json:"activeEpoch"`
	Destroyed       string `json:"destroyed"`
	Remaining       string `json:"remaining"`
	TotalDestroyed  string `json:"totalDestroyed"`
	CompletedCycles uint64 `json:"completedCycles"`
}

func (s *Server) streamView(asset string) (*streamResponse, error) {
	stream, err := s.ledger.Stream(asset)
	if err != nil {
		return nil, err
	}
	held, err := s.ledger.StreamHeld(asset)
	if err != nil {
		return nil, err
	}
	return &streamResponse{
		Asset:           stream.Asset,
		Account:         crypto.FormatModule(burn.AccountFor(stream.Asset)),
		Held:            amountString(held),
		PendingAmount:   amountString(stream.PendingAmount),
		PendingEpoch:    stream.PendingEpoch,
		ActiveAmount:    amountString(stream.ActiveAmount),
		ActiveEpoch:     stream.ActiveEpoch,
		Destroyed:       amountString(stream.Destroyed),
		Remaining:       amountString(stream.RemainingActive()),
		TotalDestroyed:  amountString(stream.TotalDestroyed),
		CompletedCycles: stream.CompletedCycles,
	}, nil
}

func (s *Server) handleStreams(w http.ResponseWriter, _ *http.Request) {
	assets := s.ledger.Assets()
	out := make([]*streamResponse, 0, len(assets))
	for _, asset := range assets {
		view, err := s.streamView(asset)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	view, err := s.streamView(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type amountResponse struct {
	Amount string `json:"amount"`
}

func (s *Server) handleStreamSync(w http.ResponseWriter, r *http.Request) {
	synced, err := s.ledger.SyncStream(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amountString(synced)})
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	burned, err := s.ledger.StartStream(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amountString(burned)})
}

func (s *Server) handleStreamDrip(w http.ResponseWriter, r *http.Request) {
	burned, err := s.ledger.DripStream(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amountString(burned)})
}

type checkpointResponse struct {
	Synced    string `json:"synced"`
	Started   bool   `json:"started"`
	Destroyed string `json:"destroyed"`
}

func (s *Server) handleStreamCheckpoint(w http.ResponseWriter, r *http.Request) {
	result, err := s.ledger.CheckpointStream(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkpointResponse{
		Synced:    amountString(result.Synced),
		Started:   result.Started,
		Destroyed: amountString(result.Destroyed),
	})
}

type targetResponse struct {
	Name        string `json:"name"`
	Policy      string `json:"policy"`
	GraceEpochs uint64 `json:"graceEpochs,omitempty"`
	Treasury    string `json:"treasury,omitempty"`
	Account     string `json:"account"`
}

func (s *Server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	targets := s.ledger.Targets()
	out := make([]targetResponse, 0, len(targets))
	for _, target := range targets {
		view := targetResponse{
			Name:        target.Name,
			Policy:      string(target.Policy),
			GraceEpochs: target.GraceEpochs,
			Account:     crypto.FormatModule(distribution.AccountFor(target.Name)),
		}
		if target.Treasury != ([20]byte{}) {
			view.Treasury = crypto.FormatIdentity(target.Treasury)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

type poolResponse struct {
	Target      string `json:"target"`
	Asset       string `json:"asset"`
	Epoch       uint64 `json:"epoch"`
	Deposited   string `json:"deposited"`
	Claimed     string `json:"claimed"`
	Refunded    string `json:"refunded"`
	Swept       string `json:"swept"`
	Outstanding string `json:"outstanding"`
}

func poolView(pool *distribution.Pool) poolResponse {
	return poolResponse{
		Target:      pool.Target,
		Asset:       pool.Asset,
		Epoch:       pool.Epoch,
		Deposited:   amountString(pool.Deposited),
		Claimed:     amountString(pool.Claimed),
		Refunded:    amountString(pool.Refunded),
		Swept:       amountString(pool.Swept),
		Outstanding: amountString(pool.Outstanding()),
	}
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.ledger.Pools(chi.URLParam(r, "target"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]poolResponse, 0, len(pools))
	for _, pool := range pools {
		out = append(out, poolView(pool))
	}
	writeJSON(w, http.StatusOK, out)
}

type poolParams struct {
	target string
	epoch  uint64
	asset  string
}

func parsePoolParams(r *http.Request) (poolParams, error) {
	epochStart, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		return poolParams{}, fmt.Errorf("%w: epoch: %v", errBadRequest, err)
	}
	return poolParams{target: chi.URLParam(r, "target"), epoch: epochStart, asset: chi.URLParam(r, "asset")}, nil
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	params, err := parsePoolParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pool, err := s.ledger.Pool(params.target, params.epoch, params.asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolView(pool))
}

type previewResponse struct {
	Amount  string `json:"amount"`
	Claimed bool   `json:"claimed"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	params, err := parsePoolParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	identity, err := parseIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := s.ledger.PreviewClaim(params.target, identity, params.asset, params.epoch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	claimed, err := s.ledger.HasClaimed(params.target, params.epoch, params.asset, identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{Amount: amountString(amount), Claimed: claimed})
}

func (s *Server) handleContribution(w http.ResponseWriter, r *http.Request) {
	params, err := parsePoolParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	identity, err := parseIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := s.ledger.Contribution(params.target, params.epoch, params.asset, identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amountString(amount)})
}

type weightsResponse struct {
	Target string `json:"target"`
	Epoch  uint64 `json:"epoch"`
	Total  string `json:"total"`
	Weight string `json:"weight,omitempty"`
}

func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	epochStart, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: epoch: %v", errBadRequest, err))
		return
	}
	target := chi.URLParam(r, "target")
	var identity *[20]byte
	if raw := chi.URLParam(r, "identity"); raw != "" {
		parsed, err := parseIdentity(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		identity = &parsed
	}
	total, weight, err := s.ledger.Weights(epochStart, target, identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := weightsResponse{Target: distribution.NormalizeTarget(target), Epoch: epochStart, Total: amountString(total)}
	if identity != nil {
		resp.Weight = amountString(weight)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := parseIdentity(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.ledger.Balance(chi.URLParam(r, "asset"), account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amountString(balance)})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.ledger.Supply(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amountString(supply)})
}

type feeTotalsResponse struct {
	BurnShareBps  uint32 `json:"burnShareBps"`
	RewardsTarget string `json:"rewardsTarget,omitempty"`
	Asset         string `json:"asset,omitempty"`
	Gross         string `json:"gross,omitempty"`
	Burned        string `json:"burned,omitempty"`
	Rewards       string `json:"rewards,omitempty"`
}

func (s *Server) handleFeeTotals(w http.ResponseWriter, r *http.Request) {
	policy := s.ledger.FeePolicy()
	resp := feeTotalsResponse{BurnShareBps: policy.BurnShareBps, RewardsTarget: policy.RewardsTarget}
	if asset := r.URL.Query().Get("asset"); asset != "" {
		resp.Asset = bank.NormalizeAsset(asset)
		resp.Gross, resp.Burned, resp.Rewards = "0", "0", "0"
		totals, ok, err := s.ledger.FeeTotals(asset)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if ok {
			resp.Gross = amountString(totals.Gross)
			resp.Burned = amountString(totals.Burned)
			resp.Rewards = amountString(totals.Rewards)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type poolRequest struct {
	Target   string `json:"target"`
	Asset    string `json:"asset"`
	Epoch    uint64 `json:"epoch"`
	Identity string `json:"identity,omitempty"`
	Amount   string `json:"amount,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	identity, err := parseIdentity(req.Identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	paid, err := s.ledger.Claim(r.Context(), req.Target, identity, req.Asset, req.Epoch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amountString(paid)})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	depositor, err := parseIdentity(req.Identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	refunded, err := s.ledger.Refund(r.Context(), req.Target, depositor, req.Asset, req.Epoch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amountString(refunded)})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	depositor, err := parseIdentity(mw.Subject(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseRequestAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pool, err := s.ledger.Deposit(r.Context(), req.Target, depositor, req.Asset, req.Epoch, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolView(pool))
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := parseIdentity(mw.Subject(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	swept, err := s.ledger.Sweep(r.Context(), req.Target, caller, req.Asset, req.Epoch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amountString(swept)})
}

type feeRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type routeResponse struct {
	Asset        string `json:"asset"`
	Gross        string `json:"gross"`
	Burned       string `json:"burned"`
	Rewards      string `json:"rewards"`
	RewardTarget string `json:"rewardTarget,omitempty"`
	RewardEpoch  uint64 `json:"rewardEpoch,omitempty"`
}

func routeView(result *fees.RouteResult) routeResponse {
	return routeResponse{
		Asset:        result.Asset,
		Gross:        amountString(result.Gross),
		Burned:       amountString(result.Burned),
		Rewards:      amountString(result.Rewards),
		RewardTarget: result.RewardTarget,
		RewardEpoch:  result.RewardEpoch,
	}
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	payer, err := parseIdentity(mw.Subject(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseRequestAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.ledger.RouteFee(r.Context(), req.Asset, payer, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routeView(result))
}

type inflowRequest struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (s *Server) handleInflow(w http.ResponseWriter, r *http.Request) {
	var req inflowRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := parseIdentity(req.Account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseRequestAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ledger.Mint(r.Context(), req.Asset, account, amount); err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.ledger.Balance(req.Asset, account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amountString(balance)})
}

type weightRequest struct {
	Target   string `json:"target"`
	Epoch    uint64 `json:"epoch"`
	Identity string `json:"identity"`
	Weight   string `json:"weight"`
}

func (s *Server) handleRecordWeight(w http.ResponseWriter, r *http.Request) {
	var req weightRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	identity, err := parseIdentity(req.Identity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	weight, err := parseAmount(req.Weight)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	total, err := s.ledger.RecordWeight(r.Context(), req.Epoch, req.Target, identity, weight)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, weightsResponse{Target: distribution.NormalizeTarget(req.Target), Epoch: req.Epoch, Total: amountString(total), Weight: amountString(weight)})
}

type eventResponse struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  string            `json:"createdAt"`
}

func historyFilter(r *http.Request) (history.Filter, error) {
	query := r.URL.Query()
	filter := history.Filter{
		Target:  query.Get("target"),
		Asset:   query.Get("asset"),
		Account: query.Get("account"),
	}
	if raw := strings.TrimSpace(query.Get("type")); raw != "" {
		filter.Types = strings.Split(raw, ",")
	}
	for name, dst := range map[string]*uint64{"epoch": &filter.Epoch, "after": &filter.AfterSeq} {
		if raw := strings.TrimSpace(query.Get(name)); raw != "" {
			parsed, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return filter, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
			}
			*dst = parsed
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return filter, fmt.Errorf("%w: limit: %v", errBadRequest, err)
		}
		filter.Limit = parsed
	}
	return filter, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "event history disabled", http.StatusNotFound)
		return
	}
	filter, err := historyFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	records, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(records))
	for _, record := range records {
		attrs := map[string]string{}
		_ = json.Unmarshal([]byte(record.Attributes), &attrs)
		out = append(out, eventResponse{
			Sequence:   record.Sequence,
			Type:       record.Type,
			Attributes: attrs,
			CreatedAt:  record.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExportPayouts(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "event history disabled", http.StatusNotFound)
		return
	}
	filter, err := historyFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rows, err := s.history.Payouts(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var (
		data        []byte
		sum         string
		contentType string
		ext         string
	)
	switch format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))); format {
	case "", "csv":
		data, sum, err = exports.PayoutsCSV(rows)
		contentType, ext = "text/csv", "csv"
	case "jsonl":
		data, sum, err = exports.PayoutsJSONL(rows)
		contentType, ext = "application/x-ndjson", "jsonl"
	case "parquet":
		data, sum, err = exports.PayoutsParquet(rows)
		contentType, ext = "application/vnd.apache.parquet", "parquet"
	default:
		s.writeError(w, fmt.Errorf("%w: unsupported format %q", errBadRequest, format))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=payouts.%s", ext))
	w.Header().Set("X-Checksum-SHA256", sum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func parseIdentity(raw string) ([20]byte, error) {
	id, err := crypto.ParseIdentity(strings.TrimSpace(raw))
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: identity: %v", errBadRequest, err)
	}
	return id, nil
}

func parseRequestAmount(raw string) (*big.Int, error) {
	amount, err := parseAmount(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return amount, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, ledgererrors.ErrZeroAmount),
		errors.Is(err, ledgererrors.ErrZeroAddress),
		errors.Is(err, ledgererrors.ErrAssetEmpty),
		errors.Is(err, distribution.ErrEpochMisaligned),
		errors.Is(err, distribution.ErrInvalidTarget),
		errors.Is(err, weights.ErrEpochMisaligned),
		errors.Is(err, weights.ErrNegativeWeight),
		errors.Is(err, weights.ErrTargetEmpty):
		return http.StatusBadRequest
	case errors.Is(err, distribution.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, distribution.ErrUnknownTarget),
		errors.Is(err, ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, burn.ErrNotReady),
		errors.Is(err, distribution.ErrEpochNotFuture),
		errors.Is(err, distribution.ErrEpochNotEnded),
		errors.Is(err, distribution.ErrGracePeriodNotElapsed),
		errors.Is(err, weights.ErrEpochFrozen):
		return http.StatusUnprocessableEntity
	case errors.Is(err, burn.ErrInsufficientNewValue),
		errors.Is(err, burn.ErrNothingToSync),
		errors.Is(err, burn.ErrNothingToStart),
		errors.Is(err, burn.ErrAlreadyActive),
		errors.Is(err, distribution.ErrTargetHadWeight),
		errors.Is(err, distribution.ErrNotZeroWeightEpoch),
		errors.Is(err, distribution.ErrNothingToSweep),
		errors.Is(err, distribution.ErrRecoveryDisabled),
		errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, bank.ErrBalanceOverflow),
		errors.Is(err, bank.ErrSupplyUnderflow),
		errors.Is(err, fees.ErrNoRoute):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		message = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
