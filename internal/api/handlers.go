package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"prorata/internal/asset"
	"prorata/internal/ledger"
	"prorata/internal/model"
)

func (h *handler) createPool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset string `json:"asset"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	kind, err := asset.Parse(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	id := h.ledger.CreatePool(callerFrom(r.Context()), kind)
	writeJSON(w, http.StatusCreated, map[string]uint64{"pool_id": id})
}

func (h *handler) poolCount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"count": h.ledger.PoolCount()})
}

func (h *handler) getPool(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	info, err := h.ledger.GetPoolInfo(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id":           id,
		"asset":             info.Asset.String(),
		"controller":        info.Controller.Hex(),
		"total_contributed": model.Decimal(info.TotalContributed),
		"contributors":      info.ContributorCount,
	})
}

func (h *handler) getBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	info, err := h.ledger.GetPoolInfo(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	balance, err := h.ledger.GetPoolBalance(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":  info.Asset.String(),
		"amount": model.Decimal(balance),
	})
}

func (h *handler) getAssetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	kind, err := asset.Parse(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	balance, err := h.ledger.GetPoolAssetBalance(id, kind)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":  kind.String(),
		"amount": model.Decimal(balance),
	})
}

func (h *handler) getContributors(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	start, count := 0, -1
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid start %q", raw))
			return
		}
		start = parsed
	}
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid count %q", raw))
			return
		}
		count = parsed
	}

	var list []common.Address
	var err error
	switch {
	case count < 0 && start == 0:
		list, err = h.ledger.GetContributors(id)
	case count < 0:
		list, err = h.ledger.GetContributorsPaginated(id, start, math.MaxInt32)
	default:
		list, err = h.ledger.GetContributorsPaginated(id, start, count)
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	out := make([]string, len(list))
	for i, addr := range list {
		out[i] = addr.Hex()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"contributors": out})
}

func (h *handler) getContribution(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	contributor, err := parseAddress(chi.URLParam(r, "contributor"), "contributor")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	amount, err := h.ledger.GetContribution(id, contributor)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": model.Decimal(amount)})
}

func (h *handler) contribute(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	var req struct {
		Contributor string `json:"contributor"`
		Amount      string `json:"amount"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	contributor, err := parseAddress(req.Contributor, "contributor")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err)
		return
	}
	if err := h.ledger.Contribute(r.Context(), callerFrom(r.Context()), id, contributor, amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recorded": model.Decimal(amount)})
}

func (h *handler) contributeToken(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	var req struct {
		Contributor string `json:"contributor"`
		Amount      string `json:"amount"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	contributor, err := parseAddress(req.Contributor, "contributor")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err)
		return
	}
	recorded, err := h.ledger.ContributeToken(r.Context(), callerFrom(r.Context()), id, contributor, amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recorded": model.Decimal(recorded)})
}

func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	var req struct {
		Target  string `json:"target"`
		Amount  string `json:"amount"`
		Payload string `json:"payload"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	target, err := parseAddress(req.Target, "target")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err)
		return
	}
	var payload []byte
	if req.Payload != "" {
		payload, err = hexutil.Decode(req.Payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid payload: %w", err))
			return
		}
	}
	result, err := h.ledger.Execute(r.Context(), callerFrom(r.Context()), id, target, amount, payload)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  hexutil.Encode(result),
	})
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err)
		return
	}
	if err := h.ledger.Deposit(r.Context(), callerFrom(r.Context()), id, amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *handler) depositToken(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	var req struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	kind, err := asset.Parse(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err)
		return
	}
	received, err := h.ledger.DepositToken(r.Context(), callerFrom(r.Context()), id, kind, amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"received": model.Decimal(received)})
}

func (h *handler) distribute(w http.ResponseWriter, r *http.Request) {
	id, ok := poolID(w, r)
	if !ok {
		return
	}
	var req struct {
		Asset string `json:"asset"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	kind, err := asset.Parse(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := h.ledger.Distribute(r.Context(), callerFrom(r.Context()), id, kind); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// poolID parses the {id} path segment, replying 400 itself when the
// segment is not a number.
func poolID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid pool id %q", raw))
		return 0, false
	}
	return id, true
}

func parseAddress(raw, field string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", field)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := model.ParseDecimal(raw)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

// writeLedgerError maps the ledger's sentinel errors onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrPoolNotFound):
		writeError(w, http.StatusNotFound, "pool_not_found", err)
	case errors.Is(err, ledger.ErrNotController):
		writeError(w, http.StatusForbidden, "not_controller", err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", err)
	case errors.Is(err, ledger.ErrAssetMismatch):
		writeError(w, http.StatusBadRequest, "asset_mismatch", err)
	case errors.Is(err, ledger.ErrContributorLimit):
		writeError(w, http.StatusBadRequest, "contributor_limit", err)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, "insufficient_balance", err)
	case errors.Is(err, ledger.ErrNothingReceived):
		writeError(w, http.StatusBadRequest, "nothing_received", err)
	case errors.Is(err, ledger.ErrDistributionBusy):
		writeError(w, http.StatusConflict, "distribution_busy", err)
	case errors.Is(err, ledger.ErrExecutionFailed):
		writeError(w, http.StatusBadGateway, "execution_failed", err)
	case errors.Is(err, ledger.ErrPayoutFailed):
		writeError(w, http.StatusBadGateway, "payout_failed", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": err.Error()},
	})
}
