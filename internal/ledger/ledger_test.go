package ledger

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"prorata/internal/asset"
	"prorata/internal/settle"
)

var (
	custody    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	controller = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	outsider   = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	alice      = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	carol      = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	testToken  = asset.Token(common.HexToAddress("0x00000000000000000000000000000000000000e1"))
)

func newTestLedger(t *testing.T) (*Ledger, *settle.Memory) {
	t.Helper()
	eng := settle.NewMemory()
	eng.Credit(controller, asset.Native, big.NewInt(1_000_000))
	eng.Credit(controller, testToken, big.NewInt(1_000_000))
	return New(eng, custody, nil), eng
}

func contributorAt(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x10000 + i)))
}

func TestCreatePoolAssignsMonotonicIDs(t *testing.T) {
	led, _ := newTestLedger(t)
	first := led.CreatePool(controller, asset.Native)
	second := led.CreatePool(controller, testToken)
	if first != 1 || second != 2 {
		t.Fatalf("ids = %d, %d, want 1, 2", first, second)
	}
	if got := led.PoolCount(); got != 2 {
		t.Errorf("PoolCount() = %d, want 2", got)
	}
}

func TestGetPoolInfo(t *testing.T) {
	led, _ := newTestLedger(t)
	id := led.CreatePool(controller, testToken)

	info, err := led.GetPoolInfo(id)
	if err != nil {
		t.Fatalf("GetPoolInfo: %v", err)
	}
	if info.Asset != testToken {
		t.Errorf("asset = %v, want %v", info.Asset, testToken)
	}
	if info.Controller != controller {
		t.Errorf("controller = %v, want %v", info.Controller, controller)
	}
	if info.TotalContributed.Sign() != 0 {
		t.Errorf("fresh pool total = %s, want 0", info.TotalContributed)
	}
	if info.ContributorCount != 0 {
		t.Errorf("fresh pool contributors = %d, want 0", info.ContributorCount)
	}

	if _, err := led.GetPoolInfo(99); !errors.Is(err, ErrPoolNotFound) {
		t.Errorf("unknown pool err = %v, want ErrPoolNotFound", err)
	}
}

func TestUnknownPoolEverywhere(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()
	one := big.NewInt(1)

	errOnly := func(_ *big.Int, err error) error { return err }
	checks := []struct {
		name string
		err  error
	}{
		{"contribute", led.Contribute(ctx, controller, 7, alice, one)},
		{"contributeToken", errOnly(led.ContributeToken(ctx, controller, 7, alice, one))},
		{"deposit", led.Deposit(ctx, controller, 7, one)},
		{"depositToken", errOnly(led.DepositToken(ctx, controller, 7, testToken, one))},
		{"distribute", led.Distribute(ctx, controller, 7, asset.Native)},
	}
	if _, err := led.Execute(ctx, controller, 7, outsider, one, nil); !errors.Is(err, ErrPoolNotFound) {
		t.Errorf("execute err = %v, want ErrPoolNotFound", err)
	}
	for _, check := range checks {
		if !errors.Is(check.err, ErrPoolNotFound) {
			t.Errorf("%s err = %v, want ErrPoolNotFound", check.name, check.err)
		}
	}
}

func TestControllerOnlyMutations(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()
	id := led.CreatePool(controller, asset.Native)
	one := big.NewInt(1)

	checks := []struct {
		name string
		err  error
	}{
		{"contribute", led.Contribute(ctx, outsider, id, alice, one)},
		{"deposit", led.Deposit(ctx, outsider, id, one)},
		{"distribute", led.Distribute(ctx, outsider, id, asset.Native)},
	}
	if _, err := led.Execute(ctx, outsider, id, outsider, one, nil); !errors.Is(err, ErrNotController) {
		t.Errorf("execute err = %v, want ErrNotController", err)
	}
	for _, check := range checks {
		if !errors.Is(check.err, ErrNotController) {
			t.Errorf("%s err = %v, want ErrNotController", check.name, check.err)
		}
	}

	tokenID := led.CreatePool(controller, testToken)
	if _, err := led.ContributeToken(ctx, outsider, tokenID, alice, one); !errors.Is(err, ErrNotController) {
		t.Errorf("contributeToken err = %v, want ErrNotController", err)
	}
	if _, err := led.DepositToken(ctx, outsider, tokenID, testToken, one); !errors.Is(err, ErrNotController) {
		t.Errorf("depositToken err = %v, want ErrNotController", err)
	}
}

func TestGetContributorsPaginated(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()
	id := led.CreatePool(controller, asset.Native)
	all := []common.Address{alice, bob, carol}
	for _, c := range all {
		if err := led.Contribute(ctx, controller, id, c, big.NewInt(10)); err != nil {
			t.Fatalf("contribute %v: %v", c, err)
		}
	}

	cases := []struct {
		name         string
		start, count int
		want         []common.Address
	}{
		{"full", 0, 3, all},
		{"overshoot count", 0, 50, all},
		{"middle", 1, 1, []common.Address{bob}},
		{"tail", 2, 5, []common.Address{carol}},
		{"start at end", 3, 1, []common.Address{}},
		{"start past end", 9, 2, []common.Address{}},
		{"zero count", 0, 0, []common.Address{}},
		{"negative start", -1, 2, []common.Address{}},
		{"negative count", 0, -2, []common.Address{}},
	}
	for _, tc := range cases {
		got, err := led.GetContributorsPaginated(id, tc.start, tc.count)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}

	full, err := led.GetContributors(id)
	if err != nil {
		t.Fatalf("GetContributors: %v", err)
	}
	if !reflect.DeepEqual(full, all) {
		t.Errorf("GetContributors = %v, want %v", full, all)
	}
}

func TestIsolationBetweenPools(t *testing.T) {
	led, eng := newTestLedger(t)
	ctx := context.Background()
	p := led.CreatePool(controller, asset.Native)
	q := led.CreatePool(controller, asset.Native)

	if err := led.Contribute(ctx, controller, q, bob, big.NewInt(77)); err != nil {
		t.Fatalf("seed pool q: %v", err)
	}
	qBefore, _ := led.GetPoolBalance(q)
	qInfoBefore, _ := led.GetPoolInfo(q)

	// Churn pool p every way possible.
	if err := led.Contribute(ctx, controller, p, alice, big.NewInt(50)); err != nil {
		t.Fatalf("contribute: %v", err)
	}
	if _, err := led.Execute(ctx, controller, p, outsider, big.NewInt(20), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := led.Deposit(ctx, controller, p, big.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := led.Distribute(ctx, controller, p, asset.Native); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	qAfter, _ := led.GetPoolBalance(q)
	qInfoAfter, _ := led.GetPoolInfo(q)
	if qBefore.Cmp(qAfter) != 0 {
		t.Errorf("pool q balance moved %s -> %s", qBefore, qAfter)
	}
	if qInfoBefore.TotalContributed.Cmp(qInfoAfter.TotalContributed) != 0 ||
		qInfoBefore.ContributorCount != qInfoAfter.ContributorCount {
		t.Errorf("pool q info changed: %+v -> %+v", qInfoBefore, qInfoAfter)
	}

	// Pool q's tracked balance still fully backed at custody.
	custodyBal, _ := eng.BalanceOf(ctx, asset.Native, custody)
	if custodyBal.Cmp(qAfter) < 0 {
		t.Errorf("custody holds %s, pool q tracks %s", custodyBal, qAfter)
	}
}

func TestConcurrentOperationsKeepConservation(t *testing.T) {
	led, eng := newTestLedger(t)
	ctx := context.Background()
	shared := led.CreatePool(controller, asset.Native)
	other := led.CreatePool(controller, asset.Native)

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				target := shared
				if w%2 == 1 {
					target = other
				}
				c := contributorAt(w*perWorker + i)
				if err := led.Contribute(ctx, controller, target, c, big.NewInt(3)); err != nil {
					t.Errorf("worker %d contribute: %v", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for _, id := range []uint64{shared, other} {
		info, err := led.GetPoolInfo(id)
		if err != nil {
			t.Fatalf("info %d: %v", id, err)
		}
		contributors, _ := led.GetContributors(id)
		sum := new(big.Int)
		for _, c := range contributors {
			amt, _ := led.GetContribution(id, c)
			sum.Add(sum, amt)
		}
		if sum.Cmp(info.TotalContributed) != 0 {
			t.Errorf("pool %d: contribution sum %s != total %s", id, sum, info.TotalContributed)
		}
		bal, _ := led.GetPoolBalance(id)
		if bal.Cmp(info.TotalContributed) != 0 {
			t.Errorf("pool %d: balance %s != total contributed %s", id, bal, info.TotalContributed)
		}
	}

	want := big.NewInt(workers * perWorker * 3)
	custodyBal, _ := eng.BalanceOf(ctx, asset.Native, custody)
	if custodyBal.Cmp(want) != 0 {
		t.Errorf("custody balance %s, want %s", custodyBal, want)
	}
}

func TestTrackedTotals(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()
	native := led.CreatePool(controller, asset.Native)
	token := led.CreatePool(controller, testToken)

	if err := led.Contribute(ctx, controller, native, alice, big.NewInt(40)); err != nil {
		t.Fatalf("contribute: %v", err)
	}
	if _, err := led.ContributeToken(ctx, controller, token, bob, big.NewInt(60)); err != nil {
		t.Fatalf("contributeToken: %v", err)
	}

	totals := led.TrackedTotals()
	if got := totals[asset.Native]; got == nil || got.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("native total = %v, want 40", got)
	}
	if got := totals[testToken]; got == nil || got.Cmp(big.NewInt(60)) != 0 {
		t.Errorf("token total = %v, want 60", got)
	}
}

func sumPayout(t *testing.T, eng *settle.Memory, id asset.ID, who ...common.Address) *big.Int {
	t.Helper()
	total := new(big.Int)
	for _, addr := range who {
		bal, err := eng.BalanceOf(context.Background(), id, addr)
		if err != nil {
			t.Fatalf("balance of %v: %v", addr, err)
		}
		total.Add(total, bal)
	}
	return total
}

func mustBalance(t *testing.T, eng *settle.Memory, id asset.ID, owner common.Address, want int64) {
	t.Helper()
	got, err := eng.BalanceOf(context.Background(), id, owner)
	if err != nil {
		t.Fatalf("balance of %v: %v", owner, err)
	}
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance of %s = %s, want %d", owner.Hex(), got, want)
	}
}
