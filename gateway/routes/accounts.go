package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"workescrow/core/state"
	"workescrow/core/types"
	"workescrow/crypto"
	"workescrow/gateway/middleware"
	"workescrow/native/escrow"
)

// AccountService is the ledger surface exposed over HTTP.
type AccountService interface {
	Account(ctx context.Context, addr [20]byte) (*types.LedgerAccount, bool, error)
	Provision(ctx context.Context, account types.LedgerAccount) error
	Deposit(ctx context.Context, addr [20]byte, amount uint64) error
}

type provisionRequest struct {
	Asset string `json:"asset"`
}

type depositRequest struct {
	Amount string `json:"amount"`
}

type accountRoutes struct {
	ledger    AccountService
	operators map[[20]byte]struct{}
	logger    *slog.Logger
	timeout   time.Duration
}

func (ar *accountRoutes) mount(r chi.Router) {
	r.Post("/", ar.provision)
	r.Get("/{address}", ar.getAccount)
	r.Post("/{address}/deposits", ar.deposit)
}

func (ar *accountRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := ar.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(parent, timeout)
}

// provision opens the caller's associated account for the requested asset.
func (ar *accountRoutes) provision(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		middleware.WriteJSON(w, http.StatusUnauthorized, middleware.ErrorBody{Code: "unauthenticated", Message: "caller required"})
		return
	}
	var req provisionRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	asset, err := escrow.NormalizeAsset(req.Asset)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	account := types.LedgerAccount{
		Address: escrow.AssociatedAccount(caller, asset),
		Owner:   caller,
		Asset:   asset,
	}
	ctx, cancel := ar.context(r.Context())
	defer cancel()
	if err := ar.ledger.Provision(ctx, account); err != nil {
		ar.fail(w, r, "provision", err)
		return
	}
	stored, found, err := ar.ledger.Account(ctx, account.Address)
	if err != nil || !found {
		ar.fail(w, r, "provision", errors.Join(state.ErrAccountNotFound, err))
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, newAccountView(stored))
}

func (ar *accountRoutes) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAccountAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := ar.context(r.Context())
	defer cancel()
	account, found, err := ar.ledger.Account(ctx, addr)
	if err != nil {
		ar.fail(w, r, "account", err)
		return
	}
	if !found {
		ar.fail(w, r, "account", state.ErrAccountNotFound)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, newAccountView(account))
}

// deposit credits an account from outside the escrow system. Only configured
// operators may mint balances.
func (ar *accountRoutes) deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		middleware.WriteJSON(w, http.StatusUnauthorized, middleware.ErrorBody{Code: "unauthenticated", Message: "caller required"})
		return
	}
	if _, allowed := ar.operators[caller]; !allowed {
		middleware.WriteJSON(w, http.StatusForbidden, middleware.ErrorBody{Code: "forbidden", Message: "caller is not an operator"})
		return
	}
	addr, err := parseAccountAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req depositRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil || amount == 0 {
		writeBadRequest(w, errors.New("amount must be a positive base-10 integer"))
		return
	}
	ctx, cancel := ar.context(r.Context())
	defer cancel()
	if err := ar.ledger.Deposit(ctx, addr, amount); err != nil {
		ar.fail(w, r, "deposit", err)
		return
	}
	account, _, err := ar.ledger.Account(ctx, addr)
	if err != nil {
		ar.fail(w, r, "deposit", err)
		return
	}
	ar.logger.Info("account credited",
		slog.String("component", "gateway"),
		slog.String("requestId", middleware.RequestIDFromContext(r.Context())),
		slog.String("account", crypto.NewAddress(crypto.VaultPrefix, addr[:]).String()),
		slog.Uint64("amount", amount))
	middleware.WriteJSON(w, http.StatusOK, newAccountView(account))
}

func (ar *accountRoutes) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	status, code := statusForLedgerError(err)
	if status >= http.StatusInternalServerError {
		ar.logger.Error("account request failed",
			slog.String("component", "gateway"),
			slog.String("requestId", middleware.RequestIDFromContext(r.Context())),
			slog.String("operation", action),
			slog.String("error", err.Error()))
		middleware.WriteJSON(w, status, middleware.ErrorBody{Code: code, Message: http.StatusText(status)})
		return
	}
	middleware.WriteJSON(w, status, middleware.ErrorBody{Code: code, Message: err.Error()})
}

func statusForLedgerError(err error) (int, string) {
	switch {
	case errors.Is(err, state.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, state.ErrAccountConflict):
		return http.StatusConflict, "account_conflict"
	case errors.Is(err, state.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity, "balance_overflow"
	case errors.Is(err, state.ErrLedgerAssetMismatch), errors.Is(err, state.ErrInsufficientBalance):
		return http.StatusBadRequest, "ledger_rejected"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// parseAccountAddress accepts either prefix since vaults and associated
// accounts share one address space.
func parseAccountAddress(raw string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return [20]byte{}, err
	}
	switch addr.Prefix() {
	case crypto.PartyPrefix, crypto.VaultPrefix:
		return addr.Raw(), nil
	default:
		return [20]byte{}, errors.New("unsupported address prefix")
	}
}
