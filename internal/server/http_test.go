package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"RewardLedger/internal/distribution"
	"RewardLedger/internal/observability"
	"RewardLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueries struct {
	epochs  map[int64]*query.EpochResponse
	proofs  map[string]*query.UserProofResponse
	history []query.UserProofResponse
	err     error

	lastLimit  int
	lastBefore *int64
}

func (f *fakeQueries) GetEpoch(_ context.Context, epoch int64) (*query.EpochResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	if e, ok := f.epochs[epoch]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: epoch %d", query.ErrNotFound, epoch)
}

func (f *fakeQueries) LatestEpoch(ctx context.Context) (*query.EpochResponse, error) {
	return f.GetEpoch(ctx, 2)
}

func (f *fakeQueries) GetUserProof(_ context.Context, epoch int64, addr common.Address) (*query.UserProofResponse, error) {
	if p, ok := f.proofs[fmt.Sprintf("%d/%s", epoch, distribution.AddressKey(addr))]; ok {
		return p, nil
	}
	return nil, query.ErrNotFound
}

func (f *fakeQueries) GetUserHistory(_ context.Context, _ common.Address, limit int, before *int64) ([]query.UserProofResponse, error) {
	f.lastLimit, f.lastBefore = limit, before
	return f.history, nil
}

func (f *fakeQueries) VerifyIntegrity(_ context.Context, epoch int64) (*query.IntegrityReport, error) {
	if epoch == 3 {
		return nil, distribution.ErrNotFinalized
	}
	return &query.IntegrityReport{Epoch: epoch, IsHealthy: true}, nil
}

const userHex = "0x00000000000000000000000000000000000000a1"

func newTestServer(t *testing.T, q Queries) (*HTTPServer, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	health := observability.NewHealthChecker()
	health.SetReady(true)
	s := NewHTTPServer(":0", &ServerDeps{
		Queries:       q,
		HealthChecker: health,
		Metrics:       metrics,
		Logger:        zerolog.Nop(),
	})
	return s, metrics
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPServer_Epoch(t *testing.T) {
	root := "0x01"
	q := &fakeQueries{epochs: map[int64]*query.EpochResponse{
		2: {Epoch: 2, MerkleRoot: &root, TotalAmount: "30", TotalUsers: 2},
	}}
	s, metrics := newTestServer(t, q)

	rec := get(t, s.Handler(), "/v1/epochs/2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body query.EpochResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "30", body.TotalAmount)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QueryRequests.WithLabelValues("/v1/epochs/{epoch}", "200")))

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/v1/epochs/latest").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/v1/epochs/7").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/v1/epochs/abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/v1/epochs/-1").Code)
}

func TestHTTPServer_InternalErrorsAreMasked(t *testing.T) {
	s, _ := newTestServer(t, &fakeQueries{err: errors.New("pq: connection refused")})

	rec := get(t, s.Handler(), "/v1/epochs/2")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
}

func TestHTTPServer_UserProof(t *testing.T) {
	q := &fakeQueries{proofs: map[string]*query.UserProofResponse{
		"2/" + userHex: {Epoch: 2, Address: userHex, Amount: "10", Verified: true},
	}}
	s, _ := newTestServer(t, q)

	rec := get(t, s.Handler(), "/v1/epochs/2/users/"+userHex)
	require.Equal(t, http.StatusOK, rec.Code)
	var body query.UserProofResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "10", body.Amount)
	assert.True(t, body.Verified)

	// checksummed input resolves to the same row
	rec = get(t, s.Handler(), "/v1/epochs/2/users/"+common.HexToAddress(userHex).Hex())
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/v1/epochs/1/users/"+userHex).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/v1/epochs/2/users/not-an-address").Code)
}

func TestHTTPServer_History(t *testing.T) {
	q := &fakeQueries{}
	s, _ := newTestServer(t, q)

	rec := get(t, s.Handler(), "/v1/users/"+userHex+"/history?limit=5&before=9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
	assert.Equal(t, 5, q.lastLimit)
	require.NotNil(t, q.lastBefore)
	assert.Equal(t, int64(9), *q.lastBefore)

	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/v1/users/"+userHex+"/history?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/v1/users/"+userHex+"/history?before=x").Code)
}

func TestHTTPServer_Integrity(t *testing.T) {
	s, _ := newTestServer(t, &fakeQueries{})

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/v1/epochs/2/integrity").Code)
	assert.Equal(t, http.StatusConflict, get(t, s.Handler(), "/v1/epochs/3/integrity").Code)
}

func TestHTTPServer_HealthAndCORS(t *testing.T) {
	s, _ := newTestServer(t, &fakeQueries{})

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/readyz").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/epochs/latest", nil)
	req.Header.Set("Origin", "https://claims.example.org")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
