package poold

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tidepool/core/epoch"
	"tidepool/core/events"
	"tidepool/crypto"
	"tidepool/native/distribution"
	"tidepool/native/fees"
	"tidepool/observability"
	"tidepool/services/poold/history"
	mw "tidepool/services/poold/middleware"
	"tidepool/storage"
)

const jwtSecret = "poold-test-secret"

type harness struct {
	t        *testing.T
	fake     *clockwork.FakeClock
	ledger   *Ledger
	history  *history.Store
	broker   *Broker
	server   *httptest.Server
	admin    [20]byte
	treasury [20]byte
}

func identityN(n byte) [20]byte {
	var id [20]byte
	for i := range id {
		id[i] = n
	}
	return id
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := clockwork.NewFakeClockAt(time.Unix(8_050, 0))
	clock, err := epoch.NewClock(epoch.Config{Length: 1000 * time.Second}, fake)
	require.NoError(t, err)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := history.NewStore(db)
	require.NoError(t, err)

	admin, treasury := identityN(1), identityN(2)
	ledger, err := NewLedger(storage.NewMemDB(), LedgerOptions{
		Clock:  clock,
		Assets: []string{"tide"},
		Targets: []distribution.Target{
			{Name: "bribes", Policy: distribution.RecoveryRefund},
			{Name: "rewards", Policy: distribution.RecoverySweep, GraceEpochs: 1, Treasury: treasury},
		},
		Admin:     admin,
		FeePolicy: fees.Policy{BurnShareBps: 5000, RewardsTarget: "rewards"},
		History:   store,
		Metrics:   observability.Poold(),
	})
	require.NoError(t, err)
	broker := NewBroker(fake.Now)
	ledger.SetSink(events.Fanout{observability.Events(), broker})

	srv := NewServer(ServerConfig{
		Ledger:  ledger,
		History: store,
		Broker:  broker,
		Auth:    mw.AuthConfig{HMACSecret: jwtSecret, Issuer: "tidepool"},
		Metrics: observability.Poold(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{t: t, fake: fake, ledger: ledger, history: store, broker: broker, server: ts, admin: admin, treasury: treasury}
}

func (h *harness) token(subject [20]byte, scopes ...string) string {
	h.t.Helper()
	claims := jwt.MapClaims{
		"sub":   crypto.FormatIdentity(subject),
		"iss":   "tidepool",
		"scope": strings.Join(scopes, " "),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(h.t, err)
	return signed
}

func (h *harness) do(method, path, token string, body interface{}) (int, map[string]interface{}) {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (h *harness) mint(asset string, to [20]byte, amount int64) {
	h.t.Helper()
	require.NoError(h.t, h.ledger.Mint(context.Background(), asset, to, big.NewInt(amount)))
}

func (h *harness) recordWeight(epochStart uint64, target string, id [20]byte, weight string) {
	h.t.Helper()
	status, body := h.do(http.MethodPost, "/v1/weights", h.token(identityN(9), mw.ScopeOracle), map[string]interface{}{
		"target": target, "epoch": epochStart, "identity": crypto.FormatIdentity(id), "weight": weight,
	})
	require.Equal(h.t, http.StatusOK, status, body)
}

func TestProRataClaimOverHTTP(t *testing.T) {
	h := newHarness(t)
	depositor, alice, bob := identityN(3), identityN(4), identityN(5)
	h.mint("tide", depositor, 1_000)

	status, body := h.do(http.MethodPost, "/v1/deposit", h.token(depositor), map[string]interface{}{
		"target": "bribes", "asset": "tide", "epoch": 9_000, "amount": "1000",
	})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "1000", body["deposited"])

	h.recordWeight(9_000, "bribes", alice, "3")
	h.recordWeight(9_000, "bribes", bob, "1")

	claim := map[string]interface{}{"target": "bribes", "asset": "tide", "epoch": 9_000, "identity": crypto.FormatIdentity(alice)}
	status, body = h.do(http.MethodPost, "/v1/claim", "", claim)
	require.Equal(t, http.StatusUnprocessableEntity, status, body)

	h.fake.Advance(2_000 * time.Second)
	status, body = h.do(http.MethodGet, "/v1/targets/bribes/pools/9000/tide/preview/"+crypto.FormatIdentity(alice), "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "750", body["amount"])

	status, body = h.do(http.MethodPost, "/v1/claim", "", claim)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "750", body["amount"])
	status, body = h.do(http.MethodPost, "/v1/claim", "", claim)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "0", body["amount"])

	claim["identity"] = crypto.FormatIdentity(bob)
	status, body = h.do(http.MethodPost, "/v1/claim", "", claim)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "250", body["amount"])

	status, body = h.do(http.MethodGet, "/v1/targets/bribes/pools/9000/tide", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "1000", body["claimed"])
	require.Equal(t, "0", body["outstanding"])

	rows, err := h.history.Payouts(context.Background(), history.Filter{Target: "bribes"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "claim", rows[0].Kind)
	require.Equal(t, crypto.FormatIdentity(alice), rows[0].Account)

	resp, err := http.Get(h.server.URL + "/v1/exports/payouts?format=csv&target=bribes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	require.Len(t, resp.Header.Get("X-Checksum-SHA256"), 64)
}

func TestZeroWeightRefundAndSweep(t *testing.T) {
	h := newHarness(t)
	briber := identityN(6)
	h.mint("tide", briber, 500)

	for _, target := range []string{"bribes", "rewards"} {
		status, body := h.do(http.MethodPost, "/v1/deposit", h.token(briber), map[string]interface{}{
			"target": target, "asset": "tide", "epoch": 9_000, "amount": "200",
		})
		require.Equal(t, http.StatusOK, status, body)
	}
	h.fake.Advance(1_000 * time.Second)

	refund := map[string]interface{}{"target": "bribes", "asset": "tide", "epoch": 9_000, "identity": crypto.FormatIdentity(briber)}
	status, body := h.do(http.MethodPost, "/v1/refund", "", refund)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "200", body["amount"])

	refund["target"] = "rewards"
	status, _ = h.do(http.MethodPost, "/v1/refund", "", refund)
	require.Equal(t, http.StatusConflict, status)

	sweep := map[string]interface{}{"target": "rewards", "asset": "tide", "epoch": 9_000}
	status, _ = h.do(http.MethodPost, "/v1/sweep", h.token(h.admin, mw.ScopeAdmin), sweep)
	require.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = h.do(http.MethodPost, "/v1/sweep", h.token(briber, mw.ScopeAdmin), sweep)
	require.Equal(t, http.StatusForbidden, status)
	status, _ = h.do(http.MethodPost, "/v1/sweep", h.token(h.admin), sweep)
	require.Equal(t, http.StatusForbidden, status)

	h.fake.Advance(1_000 * time.Second)
	status, body = h.do(http.MethodPost, "/v1/sweep", h.token(h.admin, mw.ScopeAdmin), sweep)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "200", body["amount"])

	balance, err := h.ledger.Balance("tide", h.treasury)
	require.NoError(t, err)
	require.Equal(t, "200", balance.String())
	balance, err = h.ledger.Balance("tide", briber)
	require.NoError(t, err)
	require.Equal(t, "300", balance.String())
}

func TestFeeRoutingAndBurnTicks(t *testing.T) {
	h := newHarness(t)
	collector := identityN(7)

	status, _ := h.do(http.MethodPost, "/v1/fees", h.token(collector), map[string]interface{}{"asset": "tide", "amount": "1000"})
	require.Equal(t, http.StatusForbidden, status)

	status, body := h.do(http.MethodPost, "/v1/fees", h.token(collector, mw.ScopeFees), map[string]interface{}{"asset": "tide", "amount": "1000"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "500", body["burned"])
	require.Equal(t, "500", body["rewards"])
	require.Equal(t, float64(9_000), body["rewardEpoch"])

	status, body = h.do(http.MethodGet, "/v1/streams/tide", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "500", body["pendingAmount"])
	require.Equal(t, float64(9_000), body["pendingEpoch"])

	status, _ = h.do(http.MethodPost, "/v1/streams/tide/start", "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)

	h.fake.Advance(1_200 * time.Second)
	status, body = h.do(http.MethodPost, "/v1/streams/tide/checkpoint", "", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, true, body["started"])
	require.Equal(t, "125", body["destroyed"])

	status, body = h.do(http.MethodGet, "/v1/supply/tide", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "875", body["amount"])

	status, body = h.do(http.MethodGet, "/v1/fees?asset=tide", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "1000", body["gross"])

	status, _ = h.do(http.MethodPost, "/v1/streams/nope/drip", "", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestFailedOperationLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	depositor := identityN(3)
	h.mint("tide", depositor, 100)
	before := h.history.LastSequence()

	status, _ := h.do(http.MethodPost, "/v1/deposit", h.token(depositor), map[string]interface{}{
		"target": "bribes", "asset": "tide", "epoch": 9_000, "amount": "150",
	})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, before, h.history.LastSequence())

	balance, err := h.ledger.Balance("tide", depositor)
	require.NoError(t, err)
	require.Equal(t, "100", balance.String())
	pool, err := h.ledger.Pool("bribes", 9_000, "tide")
	require.NoError(t, err)
	require.Equal(t, 0, pool.Deposited.Sign())
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t)
	depositor := identityN(3)

	status, _ := h.do(http.MethodPost, "/v1/deposit", "", map[string]interface{}{})
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.do(http.MethodPost, "/v1/deposit", h.token(depositor), map[string]interface{}{
		"target": "bribes", "asset": "tide", "epoch": 8_000, "amount": "1",
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = h.do(http.MethodPost, "/v1/deposit", h.token(depositor), map[string]interface{}{
		"target": "bribes", "asset": "tide", "epoch": 9_001, "amount": "1",
	})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(http.MethodPost, "/v1/deposit", h.token(depositor), map[string]interface{}{
		"target": "ghost", "asset": "tide", "epoch": 9_000, "amount": "1",
	})
	require.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(http.MethodPost, "/v1/claim", "", map[string]interface{}{"target": "bribes", "identity": "garbage"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(http.MethodPost, "/v1/claim", "", map[string]interface{}{"unexpected": true})
	require.Equal(t, http.StatusBadRequest, status)

	status, body := h.do(http.MethodGet, "/v1/epoch", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(8_000), body["current"])
	require.Equal(t, float64(9_000), body["next"])
}

func TestFrozenWeightsRejected(t *testing.T) {
	h := newHarness(t)
	h.fake.Advance(1_000 * time.Second)
	status, _ := h.do(http.MethodPost, "/v1/weights", h.token(identityN(9), mw.ScopeOracle), map[string]interface{}{
		"target": "bribes", "epoch": 8_000, "identity": crypto.FormatIdentity(identityN(4)), "weight": "1",
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestBrokerCursorSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	h.mint("tide", identityN(3), 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, unsubscribe, before := h.broker.Subscribe(ctx, "")
	unsubscribe()
	require.NotEmpty(t, before)
	cursor := before[len(before)-1].Cursor
	last := h.history.LastSequence()
	require.Equal(t, strconv.FormatUint(last, 10), cursor)

	restarted := NewBroker(h.fake.Now)
	restarted.ResumeFrom(last)
	restarted.ResumeFrom(1)
	h.ledger.SetSink(restarted)
	h.mint("tide", identityN(4), 5)

	_, unsubscribe, resumed := restarted.Subscribe(ctx, cursor)
	defer unsubscribe()
	require.NotEmpty(t, resumed)
	records, err := h.history.List(ctx, history.Filter{AfterSeq: last})
	require.NoError(t, err)
	require.Len(t, resumed, len(records))
	for i, record := range records {
		require.Equal(t, record.Sequence, resumed[i].Sequence)
		require.Equal(t, record.Type, resumed[i].Type)
	}
}

func TestBrokerBacklogFollowsCommits(t *testing.T) {
	h := newHarness(t)
	h.mint("tide", identityN(3), 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, unsubscribe, backlog := h.broker.Subscribe(ctx, "")
	defer unsubscribe()
	require.NotEmpty(t, backlog)
	require.Equal(t, events.TypeTokenSupply, backlog[len(backlog)-1].Type)

	_, _, after := h.broker.Subscribe(ctx, backlog[len(backlog)-1].Cursor)
	require.Empty(t, after)
}
