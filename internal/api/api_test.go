package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"prorata/internal/asset"
	"prorata/internal/ledger"
	"prorata/internal/settle"
)

const testBearer = "test-token"

var (
	custody    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	controller = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	outsider   = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	alice      = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	target     = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	testToken  = asset.Token(common.HexToAddress("0x00000000000000000000000000000000000000e1"))
)

func newTestAPI(t *testing.T, cfg Config) (http.Handler, *settle.Memory) {
	t.Helper()
	eng := settle.NewMemory()
	eng.Credit(controller, asset.Native, big.NewInt(1_000_000))
	eng.Credit(controller, testToken, big.NewInt(1_000_000))
	led := ledger.New(eng, custody, nil)
	return New(led, nil, cfg), eng
}

func request(method, path string, body any) *http.Request {
	var buf []byte
	if body != nil {
		buf, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer "+testBearer)
	req.Header.Set("X-Caller", controller.Hex())
	return req
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error.Message == "" {
		t.Errorf("error envelope without message: %s", rec.Body.String())
	}
	return envelope.Error.Code
}

func TestAPILifecycle(t *testing.T) {
	h, eng := newTestAPI(t, Config{AuthTokens: []string{testBearer}})
	ctx := context.Background()

	rec := do(h, request(http.MethodPost, "/v1/pools", map[string]string{"asset": "native"}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pool: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		PoolID uint64 `json:"pool_id"`
	}
	decodeBody(t, rec, &created)
	if created.PoolID != 1 {
		t.Fatalf("pool_id = %d, want 1", created.PoolID)
	}

	rec = do(h, request(http.MethodPost, "/v1/pools/1/contribute",
		map[string]string{"contributor": alice.Hex(), "amount": "10"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("contribute alice: %d %s", rec.Code, rec.Body.String())
	}
	var contributed struct {
		Recorded string `json:"recorded"`
	}
	decodeBody(t, rec, &contributed)
	if contributed.Recorded != "10" {
		t.Errorf("recorded = %q, want 10", contributed.Recorded)
	}

	rec = do(h, request(http.MethodPost, "/v1/pools/1/contribute",
		map[string]string{"contributor": bob.Hex(), "amount": "30"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("contribute bob: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(h, request(http.MethodGet, "/v1/pools/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get pool: %d", rec.Code)
	}
	var info struct {
		PoolID           uint64 `json:"pool_id"`
		Asset            string `json:"asset"`
		Controller       string `json:"controller"`
		TotalContributed string `json:"total_contributed"`
		Contributors     int    `json:"contributors"`
	}
	decodeBody(t, rec, &info)
	if info.Asset != "native" || info.Controller != controller.Hex() ||
		info.TotalContributed != "40" || info.Contributors != 2 {
		t.Errorf("pool info = %+v", info)
	}

	rec = do(h, request(http.MethodPost, "/v1/pools/1/execute",
		map[string]string{"target": target.Hex(), "amount": "15"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: %d %s", rec.Code, rec.Body.String())
	}
	var executed struct {
		Success bool   `json:"success"`
		Result  string `json:"result"`
	}
	decodeBody(t, rec, &executed)
	if !executed.Success || executed.Result != "0x" {
		t.Errorf("execute response = %+v", executed)
	}

	rec = do(h, request(http.MethodGet, "/v1/pools/1/balance", nil))
	var balance struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	decodeBody(t, rec, &balance)
	if balance.Asset != "native" || balance.Amount != "25" {
		t.Errorf("balance after execute = %+v, want native 25", balance)
	}

	rec = do(h, request(http.MethodPost, "/v1/pools/1/deposit", map[string]string{"amount": "15"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(h, request(http.MethodPost, "/v1/pools/1/distribute", map[string]string{"asset": "native"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("distribute: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(h, request(http.MethodGet, "/v1/pools/1/balance", nil))
	decodeBody(t, rec, &balance)
	if balance.Amount != "0" {
		t.Errorf("balance after distribute = %s, want 0", balance.Amount)
	}

	// 40 split 10:30 pays out exactly.
	for _, tc := range []struct {
		who  common.Address
		want int64
	}{{alice, 10}, {bob, 30}} {
		got, err := eng.BalanceOf(ctx, asset.Native, tc.who)
		if err != nil {
			t.Fatalf("engine balance: %v", err)
		}
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Errorf("payout to %s = %s, want %d", tc.who.Hex(), got, tc.want)
		}
	}

	rec = do(h, request(http.MethodGet, "/v1/pools/count", nil))
	var count struct {
		Count uint64 `json:"count"`
	}
	decodeBody(t, rec, &count)
	if count.Count != 1 {
		t.Errorf("count = %d, want 1", count.Count)
	}

	rec = do(h, request(http.MethodGet, "/v1/pools/1/contributions/"+alice.Hex(), nil))
	var contribution struct {
		Amount string `json:"amount"`
	}
	decodeBody(t, rec, &contribution)
	if contribution.Amount != "10" {
		t.Errorf("alice contribution = %s, want 10", contribution.Amount)
	}
}

func TestAPITokenFlow(t *testing.T) {
	h, eng := newTestAPI(t, Config{AuthTokens: []string{testBearer}})
	eng.SetFee(testToken, 100) // 1% taken in transit

	rec := do(h, request(http.MethodPost, "/v1/pools", map[string]string{"asset": testToken.String()}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pool: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(h, request(http.MethodPost, "/v1/pools/1/contribute-token",
		map[string]string{"contributor": alice.Hex(), "amount": "100"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("contribute-token: %d %s", rec.Code, rec.Body.String())
	}
	var contributed struct {
		Recorded string `json:"recorded"`
	}
	decodeBody(t, rec, &contributed)
	if contributed.Recorded != "99" {
		t.Errorf("recorded = %q, want fee-adjusted 99", contributed.Recorded)
	}

	eng.SetFee(testToken, 0)
	rec = do(h, request(http.MethodPost, "/v1/pools/1/deposit-token",
		map[string]string{"asset": testToken.String(), "amount": "50"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit-token: %d %s", rec.Code, rec.Body.String())
	}
	var deposited struct {
		Received string `json:"received"`
	}
	decodeBody(t, rec, &deposited)
	if deposited.Received != "50" {
		t.Errorf("received = %q, want 50", deposited.Received)
	}

	rec = do(h, request(http.MethodGet, "/v1/pools/1/balances/"+testToken.String(), nil))
	var balance struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	decodeBody(t, rec, &balance)
	if balance.Asset != testToken.String() || balance.Amount != "149" {
		t.Errorf("token balance = %+v, want 149", balance)
	}
}

func TestAPIAuthRejection(t *testing.T) {
	h, _ := newTestAPI(t, Config{AuthTokens: []string{testBearer}})

	req := httptest.NewRequest(http.MethodGet, "/v1/pools/count", nil)
	req.Header.Set("X-Caller", controller.Hex())
	if rec := do(h, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/pools/count", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	req.Header.Set("X-Caller", controller.Hex())
	if rec := do(h, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/events/ws", nil)
	if rec := do(h, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("event feed without token: %d, want 401", rec.Code)
	}

	// Valid token but no caller identity.
	req = httptest.NewRequest(http.MethodGet, "/v1/pools/count", nil)
	req.Header.Set("Authorization", "Bearer "+testBearer)
	if rec := do(h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("missing X-Caller: %d, want 400", rec.Code)
	}

	// Health and metrics stay open.
	if rec := do(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Errorf("healthz: %d, want 200", rec.Code)
	}
	if rec := do(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)); rec.Code != http.StatusOK {
		t.Errorf("metrics: %d, want 200", rec.Code)
	}
}

func TestAPIErrorStatusMapping(t *testing.T) {
	h, eng := newTestAPI(t, Config{AuthTokens: []string{testBearer}})
	eng.Handle(target, func(context.Context, common.Address, *big.Int, []byte) ([]byte, error) {
		return nil, errors.New("reverted")
	})

	rec := do(h, request(http.MethodPost, "/v1/pools", map[string]string{"asset": "native"}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pool: %d", rec.Code)
	}
	rec = do(h, request(http.MethodPost, "/v1/pools/1/contribute",
		map[string]string{"contributor": alice.Hex(), "amount": "10"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("seed contribution: %d", rec.Code)
	}

	outsiderContribute := request(http.MethodPost, "/v1/pools/1/contribute",
		map[string]string{"contributor": alice.Hex(), "amount": "1"})
	outsiderContribute.Header.Set("X-Caller", outsider.Hex())

	cases := []struct {
		name     string
		req      *http.Request
		wantCode int
		wantErr  string
	}{
		{
			"unknown pool",
			request(http.MethodGet, "/v1/pools/99", nil),
			http.StatusNotFound, "pool_not_found",
		},
		{
			"not controller",
			outsiderContribute,
			http.StatusForbidden, "not_controller",
		},
		{
			"zero amount",
			request(http.MethodPost, "/v1/pools/1/contribute",
				map[string]string{"contributor": alice.Hex(), "amount": "0"}),
			http.StatusBadRequest, "invalid_amount",
		},
		{
			"malformed amount",
			request(http.MethodPost, "/v1/pools/1/contribute",
				map[string]string{"contributor": alice.Hex(), "amount": "ten"}),
			http.StatusBadRequest, "invalid_amount",
		},
		{
			"token path on native pool",
			request(http.MethodPost, "/v1/pools/1/contribute-token",
				map[string]string{"contributor": alice.Hex(), "amount": "5"}),
			http.StatusBadRequest, "asset_mismatch",
		},
		{
			"overdrawn execute",
			request(http.MethodPost, "/v1/pools/1/execute",
				map[string]string{"target": target.Hex(), "amount": "100"}),
			http.StatusBadRequest, "insufficient_balance",
		},
		{
			"failing external action",
			request(http.MethodPost, "/v1/pools/1/execute",
				map[string]string{"target": target.Hex(), "amount": "5"}),
			http.StatusBadGateway, "execution_failed",
		},
		{
			"non-numeric pool id",
			request(http.MethodGet, "/v1/pools/abc", nil),
			http.StatusBadRequest, "bad_request",
		},
		{
			"bad contributor address",
			request(http.MethodGet, "/v1/pools/1/contributions/zzz", nil),
			http.StatusBadRequest, "bad_request",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(h, tc.req)
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.wantCode, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tc.wantErr {
				t.Errorf("error code = %q, want %q", code, tc.wantErr)
			}
		})
	}
}

func TestAPIContributorsPagination(t *testing.T) {
	h, _ := newTestAPI(t, Config{AuthTokens: []string{testBearer}})

	rec := do(h, request(http.MethodPost, "/v1/pools", map[string]string{"asset": "native"}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pool: %d", rec.Code)
	}
	contributors := make([]string, 5)
	for i := range contributors {
		addr := common.BigToAddress(big.NewInt(int64(0x10000 + i)))
		contributors[i] = addr.Hex()
		rec := do(h, request(http.MethodPost, "/v1/pools/1/contribute",
			map[string]string{"contributor": addr.Hex(), "amount": "1"}))
		if rec.Code != http.StatusOK {
			t.Fatalf("contribute %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}

	page := func(t *testing.T, query string) []string {
		t.Helper()
		rec := do(h, request(http.MethodGet, "/v1/pools/1/contributors"+query, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("contributors%s: %d %s", query, rec.Code, rec.Body.String())
		}
		var out struct {
			Contributors []string `json:"contributors"`
		}
		decodeBody(t, rec, &out)
		return out.Contributors
	}

	if got := page(t, ""); len(got) != 5 || got[0] != contributors[0] || got[4] != contributors[4] {
		t.Errorf("full list = %v", got)
	}
	if got := page(t, "?start=1&count=2"); len(got) != 2 || got[0] != contributors[1] || got[1] != contributors[2] {
		t.Errorf("window [1,3) = %v", got)
	}
	if got := page(t, "?start=10&count=2"); len(got) != 0 {
		t.Errorf("past-the-end window = %v, want empty", got)
	}
	if got := page(t, "?start=3"); len(got) != 2 || got[0] != contributors[3] {
		t.Errorf("open-ended window from 3 = %v", got)
	}
	if rec := do(h, request(http.MethodGet, "/v1/pools/1/contributors?start=x", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("bad start param: %d, want 400", rec.Code)
	}
}

func TestAPIRateLimit(t *testing.T) {
	h, _ := newTestAPI(t, Config{AuthTokens: []string{testBearer}, RatePerSec: 0.01, RateBurst: 1})

	if rec := do(h, request(http.MethodPost, "/v1/pools", map[string]string{"asset": "native"})); rec.Code != http.StatusCreated {
		t.Fatalf("first create: %d", rec.Code)
	}
	rec := do(h, request(http.MethodPost, "/v1/pools", map[string]string{"asset": "native"}))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second create: %d, want 429", rec.Code)
	}
	if code := errorCode(t, rec); code != "rate_limited" {
		t.Errorf("error code = %q, want rate_limited", code)
	}

	// Reads stay unthrottled.
	if rec := do(h, request(http.MethodGet, "/v1/pools/count", nil)); rec.Code != http.StatusOK {
		t.Errorf("read while throttled: %d, want 200", rec.Code)
	}

	// A different caller has its own bucket.
	req := request(http.MethodPost, "/v1/pools", map[string]string{"asset": "native"})
	req.Header.Set("X-Caller", outsider.Hex())
	if rec := do(h, req); rec.Code != http.StatusCreated {
		t.Errorf("other caller: %d, want 201", rec.Code)
	}
}

func TestAPIRejectsUnknownFields(t *testing.T) {
	h, _ := newTestAPI(t, Config{AuthTokens: []string{testBearer}})
	rec := do(h, request(http.MethodPost, "/v1/pools", map[string]string{"asset": "native", "extra": "x"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "bad_request" {
		t.Errorf("error code = %q, want bad_request", code)
	}
}
