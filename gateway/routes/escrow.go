package routes

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"workescrow/gateway/middleware"
	"workescrow/native/escrow"
)

// EscrowService is the engine surface exposed over HTTP.
type EscrowService interface {
	Initialize(ctx context.Context, caller [20]byte, p escrow.InitializeParams) (*escrow.Contract, error)
	WorkerAccept(ctx context.Context, key [32]byte, caller [20]byte) (*escrow.Contract, error)
	EmployerApproveCompletion(ctx context.Context, key [32]byte, caller [20]byte) (*escrow.Contract, error)
	WorkerApproveCompletion(ctx context.Context, key [32]byte, caller [20]byte) (*escrow.Contract, error)
	ReleaseIfBothApproved(ctx context.Context, key [32]byte, caller [20]byte) (*escrow.Contract, error)
	OpenDispute(ctx context.Context, key [32]byte, caller [20]byte) (*escrow.Contract, error)
	AdminVote(ctx context.Context, key [32]byte, caller [20]byte, voteForWorker bool) (*escrow.Contract, error)
	ReleaseToWorker(ctx context.Context, key [32]byte, caller [20]byte) (*escrow.Contract, error)
	RefundToEmployer(ctx context.Context, key [32]byte, caller [20]byte) (*escrow.Contract, error)
	Contract(key [32]byte) (*escrow.Contract, error)
}

// AuditReader lists the journaled events of a contract.
type AuditReader interface {
	ContractEvents(ctx context.Context, keyHex string, limit int) ([]AuditEvent, error)
}

// AuditEvent is a journaled escrow event as returned to clients.
type AuditEvent struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

type initializeRequest struct {
	Worker         string `json:"worker"`
	Admin1         string `json:"admin1"`
	Admin2         string `json:"admin2"`
	ContractID     string `json:"contractId"`
	Amount         string `json:"amount"`
	FeeBps         uint16 `json:"feeBps"`
	Asset          string `json:"asset"`
	FeeDestination string `json:"feeDestination,omitempty"`
	FundingAccount string `json:"fundingAccount,omitempty"`
}

type voteRequest struct {
	VoteForWorker *bool `json:"voteForWorker"`
}

type transitionFunc func(ctx context.Context, key [32]byte, caller [20]byte) (*escrow.Contract, error)

type escrowRoutes struct {
	engine  EscrowService
	audit   AuditReader
	logger  *slog.Logger
	timeout time.Duration
}

func (er *escrowRoutes) mount(r chi.Router) {
	r.Post("/", er.initialize)
	r.Get("/derive", er.deriveKey)
	r.Get("/{key}", er.getContract)
	r.Get("/{key}/events", er.listEvents)
	r.Post("/{key}/accept", er.transition(er.engine.WorkerAccept))
	r.Post("/{key}/employer-approval", er.transition(er.engine.EmployerApproveCompletion))
	r.Post("/{key}/worker-approval", er.transition(er.engine.WorkerApproveCompletion))
	r.Post("/{key}/release", er.transition(er.engine.ReleaseIfBothApproved))
	r.Post("/{key}/dispute", er.transition(er.engine.OpenDispute))
	r.Post("/{key}/votes", er.vote)
	r.Post("/{key}/release-to-worker", er.transition(er.engine.ReleaseToWorker))
	r.Post("/{key}/refund", er.transition(er.engine.RefundToEmployer))
}

func (er *escrowRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := er.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(parent, timeout)
}

func (er *escrowRoutes) initialize(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		middleware.WriteJSON(w, http.StatusUnauthorized, middleware.ErrorBody{Code: "unauthenticated", Message: "caller required"})
		return
	}
	var req initializeRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	params, err := req.params(caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := er.context(r.Context())
	defer cancel()
	c, err := er.engine.Initialize(ctx, caller, params)
	if err != nil {
		er.fail(w, r, "initialize", err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, newContractView(c))
}

func (req initializeRequest) params(initializer [20]byte) (escrow.InitializeParams, error) {
	p := escrow.InitializeParams{Initializer: initializer, FeeBps: req.FeeBps, Asset: req.Asset}
	var err error
	if p.Worker, err = parseParty("worker", req.Worker); err != nil {
		return p, err
	}
	if p.Admin1, err = parseParty("admin1", req.Admin1); err != nil {
		return p, err
	}
	if p.Admin2, err = parseParty("admin2", req.Admin2); err != nil {
		return p, err
	}
	if p.ContractID, err = parseAmount("contractId", req.ContractID); err != nil {
		return p, err
	}
	if p.Amount, err = parseAmount("amount", req.Amount); err != nil {
		return p, err
	}
	if p.FeeDestination, err = parseOptionalParty("feeDestination", req.FeeDestination); err != nil {
		return p, err
	}
	if p.FundingAccount, err = parseOptionalParty("fundingAccount", req.FundingAccount); err != nil {
		return p, err
	}
	return p, nil
}

func (er *escrowRoutes) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, caller, ok := er.target(w, r)
		if !ok {
			return
		}
		ctx, cancel := er.context(r.Context())
		defer cancel()
		c, err := fn(ctx, key, caller)
		if err != nil {
			er.fail(w, r, chi.RouteContext(r.Context()).RoutePattern(), err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, newContractView(c))
	}
}

func (er *escrowRoutes) vote(w http.ResponseWriter, r *http.Request) {
	key, caller, ok := er.target(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.VoteForWorker == nil {
		writeBadRequest(w, errMissingVote)
		return
	}
	ctx, cancel := er.context(r.Context())
	defer cancel()
	c, err := er.engine.AdminVote(ctx, key, caller, *req.VoteForWorker)
	if err != nil {
		er.fail(w, r, "vote", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newContractView(c))
}

func (er *escrowRoutes) getContract(w http.ResponseWriter, r *http.Request) {
	key, err := parseContractKey(chi.URLParam(r, "key"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	c, err := er.engine.Contract(key)
	if err != nil {
		er.fail(w, r, "get", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newContractView(c))
}

func (er *escrowRoutes) listEvents(w http.ResponseWriter, r *http.Request) {
	key, err := parseContractKey(chi.URLParam(r, "key"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if er.audit == nil {
		middleware.WriteJSON(w, http.StatusNotImplemented, middleware.ErrorBody{Code: "audit_disabled", Message: "audit journal not configured"})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeBadRequest(w, errBadLimit)
			return
		}
	}
	ctx, cancel := er.context(r.Context())
	defer cancel()
	records, err := er.audit.ContractEvents(ctx, hex.EncodeToString(key[:]), limit)
	if err != nil {
		er.fail(w, r, "events", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": records})
}

func (er *escrowRoutes) deriveKey(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	initializer, err := parseParty("initializer", q.Get("initializer"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	worker, err := parseParty("worker", q.Get("worker"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := parseAmount("contractId", q.Get("contractId"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	key := escrow.ContractKey(initializer, worker, id)
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"key": hex.EncodeToString(key[:])})
}

func (er *escrowRoutes) target(w http.ResponseWriter, r *http.Request) ([32]byte, [20]byte, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		middleware.WriteJSON(w, http.StatusUnauthorized, middleware.ErrorBody{Code: "unauthenticated", Message: "caller required"})
		return [32]byte{}, [20]byte{}, false
	}
	key, err := parseContractKey(chi.URLParam(r, "key"))
	if err != nil {
		writeBadRequest(w, err)
		return [32]byte{}, [20]byte{}, false
	}
	return key, caller, true
}

func (er *escrowRoutes) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	if statusForError(err) >= http.StatusInternalServerError {
		er.logger.Error("escrow request failed",
			slog.String("component", "gateway"),
			slog.String("requestId", middleware.RequestIDFromContext(r.Context())),
			slog.String("operation", action),
			slog.String("error", err.Error()))
	}
	writeEngineError(w, err)
}
