package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xtrntr/tokenexchange/internal/auth"
	"github.com/xtrntr/tokenexchange/internal/events"
	"github.com/xtrntr/tokenexchange/internal/exchange"
	"github.com/xtrntr/tokenexchange/internal/fixedpoint"
	"github.com/xtrntr/tokenexchange/internal/metrics"
	"github.com/xtrntr/tokenexchange/internal/models"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// History serves per-account transaction history from the journal. The
// exchange itself writes the journal.
type History interface {
	AccountReceipts(ctx context.Context, account models.AccountID, limit int) ([]models.Receipt, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Hub         *events.Hub
	History     History
	Metrics     *metrics.Recorder
	Logger      *zap.Logger
}

// NewHandler creates a new handler. history and rec may be nil.
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, hub *events.Hub, history History, rec *metrics.Recorder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Exchange:    ex,
		AuthService: authService,
		Hub:         hub,
		History:     history,
		Metrics:     rec,
		Logger:      logger,
	}
}

// Routes builds the router shared by the server and the tests
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/price", h.GetTokenPrice)
	r.Get("/reserve", h.GetContractBalance)
	r.Get("/supply", h.GetSupply)
	r.Get("/balance/{address}", h.GetBalance)
	r.Get("/transactions", h.GetTransactions)
	r.Get("/transactions/count", h.GetTransactionCount)
	r.Get("/accounts/{address}/transactions", h.GetAccountTransactions)
	r.Get("/quote/buy", h.QuoteBuy)
	r.Get("/quote/sell", h.QuoteSell)
	if h.Hub != nil {
		r.Get("/ws", h.HandleWebSocket)
	}

	r.Post("/auth/challenge", h.Challenge)
	r.Post("/auth/verify", h.Verify)
	r.Post("/auth/owner", h.OwnerLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/buy", h.BuyTokens)
		r.Post("/sell", h.SellTokens)
		r.With(h.RequireOwner).Put("/price", h.SetPrice)
	})
	return r
}

type transactionResponse struct {
	Sequence    uint64 `json:"sequence"`
	User        string `json:"user"`
	Type        string `json:"type"`
	TxType      uint8  `json:"tx_type"`
	AssetAmount string `json:"asset_amount"`
	Price       string `json:"price"`
	Timestamp   uint64 `json:"timestamp"`
}

type receiptResponse struct {
	Transaction   transactionResponse `json:"transaction"`
	CounterAmount string              `json:"counter_amount"`
	Balance       string              `json:"balance,omitempty"`
	Event         events.Message      `json:"event"`
}

func toTransaction(rec models.TransactionRecord) transactionResponse {
	return transactionResponse{
		Sequence:    rec.Sequence,
		User:        rec.User.Hex(),
		Type:        rec.Kind.String(),
		TxType:      uint8(rec.Kind),
		AssetAmount: rec.AssetAmount.Dec(),
		Price:       rec.Price.Dec(),
		Timestamp:   rec.Timestamp,
	}
}

func toReceipt(r models.Receipt) receiptResponse {
	resp := receiptResponse{
		Transaction:   toTransaction(r.Record),
		CounterAmount: r.CounterAmount.Dec(),
		Event:         events.FromEvent(r.Event),
	}
	if r.NewBalance != nil {
		resp.Balance = r.NewBalance.Dec()
	}
	return resp
}

// GetTokenPrice returns the current price in base units
func (h *Handler) GetTokenPrice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"price": h.Exchange.TokenPrice().Dec()})
}

// GetContractBalance returns the reserve held by the exchange
func (h *Handler) GetContractBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"balance": h.Exchange.ReserveBalance().Dec()})
}

// GetSupply returns the fixed total supply and the unsold part of it
func (h *Handler) GetSupply(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"total_supply": h.Exchange.TotalSupply().Dec(),
		"unsold":       h.Exchange.BalanceOf(h.Exchange.Address()).Dec(),
	})
}

// GetBalance returns an account's token balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidAddress", "Invalid address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": addr.Hex(),
		"balance": h.Exchange.BalanceOf(addr).Dec(),
	})
}

// GetTransactionCount returns the length of the transaction log
func (h *Handler) GetTransactionCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"count": h.Exchange.TransactionCount()})
}

// GetTransactions returns a newest-first page of the transaction log
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := parsePage(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidPage", "offset and limit must be non-negative integers")
		return
	}

	records := h.Exchange.Transactions(offset, limit)
	out := make([]transactionResponse, len(records))
	for i, rec := range records {
		out[i] = toTransaction(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAccountTransactions returns one account's history from the journal
func (h *Handler) GetAccountTransactions(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusServiceUnavailable, "NoJournal", "Account history requires a database")
		return
	}
	addr, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidAddress", "Invalid address")
		return
	}
	_, limit, ok := parsePage(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidPage", "limit must be a non-negative integer")
		return
	}

	receipts, err := h.History.AccountReceipts(r.Context(), addr, int(limit))
	if err != nil {
		h.Logger.Error("failed to load account history", zap.String("account", addr.Hex()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal", "Failed to retrieve transactions")
		return
	}
	out := make([]receiptResponse, len(receipts))
	for i, rec := range receipts {
		out[i] = toReceipt(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// QuoteBuy estimates the tokens a payment buys
func (h *Handler) QuoteBuy(w http.ResponseWriter, r *http.Request) {
	payment, err := fixedpoint.ParseBaseUnits(r.URL.Query().Get("payment"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidAmount", "payment must be a base-unit integer")
		return
	}
	amount, err := h.Exchange.QuoteBuy(payment)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"payment":      payment.Dec(),
		"asset_amount": amount.Dec(),
	})
}

// QuoteSell estimates the payout for selling tokens
func (h *Handler) QuoteSell(w http.ResponseWriter, r *http.Request) {
	amount, err := fixedpoint.ParseBaseUnits(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidAmount", "amount must be a base-unit integer")
		return
	}
	payout, err := h.Exchange.QuoteSell(amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset_amount": amount.Dec(),
		"payout":       payout.Dec(),
	})
}

// Challenge issues a sign-in message for a wallet address
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "Invalid request body")
		return
	}

	msg, err := h.AuthService.Challenge(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidAddress", "Invalid address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// Verify exchanges a signed challenge for a session token
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address   string `json:"address"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "Invalid request body")
		return
	}

	token, err := h.AuthService.Verify(req.Address, req.Signature)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "Invalid signature")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// OwnerLogin exchanges the owner password for a session token
func (h *Handler) OwnerLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "Invalid request body")
		return
	}

	token, err := h.AuthService.LoginOwner(req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "Invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type contextKey string

const claimsKey contextKey = "claims"

// JWTAuthMiddleware verifies session tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := h.AuthService.ParseToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOwner rejects sessions that are not the owner's
func (h *Handler) RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(claimsKey).(*auth.Claims)
		if !ok || claims.Role != auth.RoleOwner {
			writeError(w, http.StatusForbidden, "Forbidden", "Owner only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func traderFrom(r *http.Request) (models.AccountID, bool) {
	claims, ok := r.Context().Value(claimsKey).(*auth.Claims)
	if !ok {
		return models.AccountID{}, false
	}
	return claims.Account()
}

// BuyTokens buys tokens for the signed-in trader
func (h *Handler) BuyTokens(w http.ResponseWriter, r *http.Request) {
	buyer, ok := traderFrom(r)
	if !ok {
		writeError(w, http.StatusForbidden, "Forbidden", "Trader session required")
		return
	}

	var req struct {
		Payment string `json:"payment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "Invalid request body")
		return
	}
	payment, err := fixedpoint.ParseBaseUnits(req.Payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidAmount", "payment must be a base-unit integer")
		return
	}

	receipt, err := h.Exchange.Buy(buyer, payment)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.committed(w, receipt)
}

// SellTokens sells tokens for the signed-in trader
func (h *Handler) SellTokens(w http.ResponseWriter, r *http.Request) {
	seller, ok := traderFrom(r)
	if !ok {
		writeError(w, http.StatusForbidden, "Forbidden", "Trader session required")
		return
	}

	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "Invalid request body")
		return
	}
	amount, err := fixedpoint.ParseBaseUnits(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidAmount", "amount must be a base-unit integer")
		return
	}

	receipt, err := h.Exchange.Sell(seller, amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.committed(w, receipt)
}

// committed logs a successful transition and writes the receipt. The
// exchange has already journaled it.
func (h *Handler) committed(w http.ResponseWriter, receipt models.Receipt) {
	h.Logger.Info("transition committed",
		zap.String("kind", receipt.Record.Kind.String()),
		zap.String("account", receipt.Record.User.Hex()),
		zap.Uint64("sequence", receipt.Record.Sequence),
		zap.String("asset_amount", fixedpoint.FormatUnits(receipt.Record.AssetAmount)),
		zap.String("counter_amount", fixedpoint.FormatUnits(receipt.CounterAmount)),
	)
	writeJSON(w, http.StatusCreated, toReceipt(receipt))
}

// SetPrice replaces the token price
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", "Invalid request body")
		return
	}
	price, err := fixedpoint.ParseBaseUnits(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidAmount", "price must be a base-unit integer")
		return
	}

	if err := h.Exchange.SetPrice(price); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.Logger.Info("price updated", zap.String("price", fixedpoint.FormatUnits(price)))
	writeJSON(w, http.StatusOK, map[string]string{"price": price.Dec()})
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var exErr *exchange.Error
	if !errors.As(err, &exErr) {
		h.Logger.Error("unexpected exchange error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal", "Internal error")
		return
	}
	if h.Metrics != nil {
		h.Metrics.Rejected(exErr.Code)
	}

	status := http.StatusBadRequest
	switch exErr {
	case exchange.ErrInsufficientSupply, exchange.ErrInsufficientBalance, exchange.ErrInsufficientReserve:
		status = http.StatusConflict
	case exchange.ErrOverflow:
		status = http.StatusUnprocessableEntity
	case exchange.ErrJournalWrite:
		h.Logger.Error("journal write failed", zap.Error(err))
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, exErr.Code, exErr.Message)
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parsePage(r *http.Request) (offset, limit uint64, ok bool) {
	q := r.URL.Query()
	limit = defaultPageSize
	var err error
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.ParseUint(s, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.ParseUint(s, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return offset, limit, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
