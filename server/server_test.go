package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"nftlend/crypto"
	"nftlend/engine"
	"nftlend/identity"
	"nftlend/models"
	"nftlend/signing"
)

const (
	testNFTContract   = "0x0000000000000000000000000000000000000000000000000000000000000a01"
	testTokenContract = "0x0000000000000000000000000000000000000000000000000000000000000b01"
)

func testDomain() signing.Domain {
	return signing.Domain{Name: "nftlend", ChainID: "5", Version: "1"}
}

func newTestServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	require.NoError(t, db.Create(&models.AcceptedNFT{
		ID: uuid.New(), Name: "TestNFT", ContractAddress: testNFTContract,
	}).Error)
	require.NoError(t, db.Create(&models.AcceptedToken{
		ID: uuid.New(), Name: "TestToken", ContractAddress: testTokenContract, Decimals: 18,
	}).Error)

	eng := engine.New(engine.Config{
		DB:              db,
		Domain:          testDomain(),
		MinLoanDuration: 3600,
		MaxLoanDuration: 365 * 24 * 3600,
	})
	tokens, err := identity.NewTokenIssuer([]byte("test-secret"), "nftlend", time.Minute, time.Hour)
	require.NoError(t, err)
	srv := New(Config{
		DB:              db,
		Engine:          eng,
		Resolver:        identity.NewResolver(db),
		Tokens:          tokens,
		Domain:          testDomain(),
		SigninPerMinute: 600,
		SigninBurst:     100,
	})
	return srv, db
}

func signBundle(t *testing.T, priv *crypto.PrivateKey, digest []byte) []string {
	t.Helper()
	sig, err := priv.Sign(digest)
	require.NoError(t, err)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	return []string{"1", "0", "2", r.String(), s.String()}
}

func doJSON(t *testing.T, srv *Server, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func signin(t *testing.T, srv *Server, priv *crypto.PrivateKey) (string, map[string]any) {
	t.Helper()
	pub := priv.PubKey()
	digest, err := signing.LoginMessage(testDomain()).Hash(pub)
	require.NoError(t, err)
	rec := doJSON(t, srv, http.MethodPost, "/v1/auth/signin", "", map[string]any{
		"public_key": pub.Hex(),
		"signatures": signBundle(t, priv, digest),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["access"].(string), resp
}

func TestSigninFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	_, resp := signin(t, srv, priv)
	require.Equal(t, true, resp["is_new"])
	require.Equal(t, priv.PubKey().Hex(), resp["public_key"])
	require.NotEmpty(t, resp["refresh"])

	// Second signin resolves to the same account.
	_, resp = signin(t, srv, priv)
	require.Equal(t, false, resp["is_new"])
}

func TestSigninRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	// Signed by a different key than the one presented.
	digest, err := signing.LoginMessage(testDomain()).Hash(other.PubKey())
	require.NoError(t, err)
	rec := doJSON(t, srv, http.MethodPost, "/v1/auth/signin", "", map[string]any{
		"public_key": priv.PubKey().Hex(),
		"signatures": signBundle(t, other, digest),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Bundle below the transport minimum.
	rec = doJSON(t, srv, http.MethodPost, "/v1/auth/signin", "", map[string]any{
		"public_key": priv.PubKey().Hex(),
		"signatures": []string{"1", "2", "3"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "too short")
}

func TestRefreshFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	_, resp := signin(t, srv, priv)

	rec := doJSON(t, srv, http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh": resp["refresh"],
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var bundle map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	require.NotEmpty(t, bundle["access"])

	rec = doJSON(t, srv, http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh": resp["access"],
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code, "access token must not refresh a session")
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/listings", "", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/listings", "not-a-token", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func createListing(t *testing.T, srv *Server, token string) uuid.UUID {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/v1/listings", token, map[string]any{
		"nft_contract_address": testNFTContract,
		"nft_token_id":         7,
		"token_contract":       testTokenContract,
		"borrow_amount":        1000,
		"repayment_amount":     1100,
		"duration":             86400,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ID
}

func signedOfferPayload(t *testing.T, priv *crypto.PrivateKey, listingID uuid.UUID) map[string]any {
	t.Helper()
	pub := priv.PubKey()
	values := map[string]string{
		"principal":           "1000",
		"repayment_amount":    "1100",
		"collateral_contract": testNFTContract,
		"collateral_id":       "7",
		"token_contract":      testTokenContract,
		"loan_duration":       "86400",
		"lender":              pub.Hex(),
		"expiry":              "1900000000",
		"chain_id":            "5",
		"unique_id":           "42",
	}
	msg, err := signing.Build(signing.ActionLoanOffer, testDomain(), values)
	require.NoError(t, err)
	digest, err := msg.Hash(pub)
	require.NoError(t, err)

	return map[string]any{
		"listing":             listingID.String(),
		"principal":           1000,
		"repayment_amount":    1100,
		"collateral_contract": testNFTContract,
		"collateral_id":       7,
		"token_contract":      testTokenContract,
		"loan_duration":       86400,
		"expiry":              1900000000,
		"chain_id":            "5",
		"unique_id":           42,
		"signatures":          signBundle(t, priv, digest),
	}
}

func TestOfferEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)
	borrowerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	lenderKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	borrowerToken, _ := signin(t, srv, borrowerKey)
	lenderToken, _ := signin(t, srv, lenderKey)

	listingID := createListing(t, srv, borrowerToken)

	rec := doJSON(t, srv, http.MethodPost, "/v1/offers", lenderToken, signedOfferPayload(t, lenderKey, listingID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotContains(t, rec.Body.String(), "signature", "signature material must never leave the service")

	var offer struct {
		ID      uuid.UUID `json:"id"`
		Listing uuid.UUID `json:"listing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &offer))
	require.Equal(t, listingID, offer.Listing)

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/listings/%s/offers", listingID), lenderToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "signature")

	// Foreign cancel reads as missing; owner cancel succeeds.
	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/offers/%s/cancel", offer.ID), borrowerToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/offers/%s/cancel", offer.ID), lenderToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestOfferFieldValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	lenderKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	token, _ := signin(t, srv, lenderKey)

	payload := signedOfferPayload(t, lenderKey, uuid.New())
	payload["principal"] = 0
	payload["collateral_id"] = 0
	rec := doJSON(t, srv, http.MethodPost, "/v1/offers", token, payload)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var problems map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problems))
	require.Contains(t, problems, "principal")
	require.Contains(t, problems, "collateral_id")
}

func TestListListingsResponseShape(t *testing.T) {
	srv, _ := newTestServer(t)
	borrowerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	token, _ := signin(t, srv, borrowerKey)
	createListing(t, srv, token)

	rec := doJSON(t, srv, http.MethodGet, "/v1/listings?page_size=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count   int64            `json:"count"`
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 1, resp.Count)
	require.Len(t, resp.Results, 1)
	require.Equal(t, string(models.ListingOpen), resp.Results[0]["status"])
}

func TestLoanStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	borrowerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	lenderKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	borrowerToken, _ := signin(t, srv, borrowerKey)
	lenderToken, _ := signin(t, srv, lenderKey)

	rec := doJSON(t, srv, http.MethodPost, "/v1/loans", lenderToken, map[string]any{
		"external_id":          "loan-http-1",
		"borrower_address":     borrowerKey.PubKey().Hex(),
		"lender_address":       lenderKey.PubKey().Hex(),
		"nft_contract_address": testNFTContract,
		"nft_token_id":         7,
		"token_contract":       testTokenContract,
		"principal":            1000,
		"repayment_amount":     1100,
		"duration":             86400,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var loan struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loan))

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/loans/%s/status", loan.ID), borrowerToken, map[string]any{
		"status": "foreclosed",
	})
	require.Equal(t, http.StatusNotFound, rec.Code, "borrower may not foreclose")

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/loans/%s/status", loan.ID), borrowerToken, map[string]any{
		"status": "repaid",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/loans/%s/status", loan.ID), lenderToken, map[string]any{
		"status": "expired",
	})
	require.Equal(t, http.StatusConflict, rec.Code, "terminal loans reject further transitions")
}

func TestUpdateEmailEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	firstKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	secondKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	firstToken, _ := signin(t, srv, firstKey)
	secondToken, _ := signin(t, srv, secondKey)

	rec := doJSON(t, srv, http.MethodPost, "/v1/account/email", firstToken, map[string]any{
		"email": "Borrower@Example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "borrower@example.com")

	rec = doJSON(t, srv, http.MethodPost, "/v1/account/email", secondToken, map[string]any{
		"email": "borrower@example.com",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "email")
}

func TestIdempotencyReplay(t *testing.T) {
	srv, _ := newTestServer(t)
	borrowerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	token, _ := signin(t, srv, borrowerKey)

	payload := map[string]any{
		"nft_contract_address": testNFTContract,
		"nft_token_id":         7,
		"token_contract":       testTokenContract,
		"repayment_amount":     1100,
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/listings", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "listing-once")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusCreated, first.Code)
	second := send()
	require.Equal(t, http.StatusCreated, second.Code)
	require.JSONEq(t, first.Body.String(), second.Body.String())

	rec := doJSON(t, srv, http.MethodGet, "/v1/listings", "", nil)
	var resp struct {
		Count int64 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 1, resp.Count, "replay must not create a second listing")
}

func TestIdempotencyKeyScopedToRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	borrowerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	token, _ := signin(t, srv, borrowerKey)

	send := func(path string, payload any) *httptest.ResponseRecorder {
		var body bytes.Buffer
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
		req := httptest.NewRequest(http.MethodPost, path, &body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "shared-key")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := send("/v1/listings", map[string]any{
		"nft_contract_address": testNFTContract,
		"nft_token_id":         7,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// The same key against a different route must execute, not replay the
	// listing response.
	rec = send("/v1/account/email", map[string]any{"email": "owner@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "owner@example.com")
	require.NotContains(t, rec.Body.String(), "nft_contract_address")
}

func TestIdempotencyExemptsAuthRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	digest, err := signing.LoginMessage(testDomain()).Hash(priv.PubKey())
	require.NoError(t, err)
	payload := map[string]any{
		"public_key": priv.PubKey().Hex(),
		"signatures": signBundle(t, priv, digest),
	}

	send := func() map[string]any {
		var body bytes.Buffer
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/signin", &body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "signin-key")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	first := send()
	second := send()
	require.Equal(t, true, first["is_new"])
	require.Equal(t, false, second["is_new"], "signin must execute on every call, never replay")
}

func TestIdempotencyPersistFailureIsLoggedNotSurfaced(t *testing.T) {
	srv, db := newTestServer(t)
	var logs bytes.Buffer
	srv.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	srv.router = srv.buildRouter()

	borrowerKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	token, _ := signin(t, srv, borrowerKey)

	require.NoError(t, db.Migrator().DropTable(&models.IdempotencyKey{}))

	var body bytes.Buffer
	require.NoError(t, json.NewEncoder(&body).Encode(map[string]any{
		"nft_contract_address": testNFTContract,
		"nft_token_id":         7,
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", &body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "doomed-key")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, "a broken idempotency store must not fail the request")
	require.Contains(t, logs.String(), "record idempotency key")
}

func TestIPLimiterStaysBounded(t *testing.T) {
	limiter := newIPLimiter(60, 10)
	for i := 0; i < maxTrackedIPs*2; i++ {
		limiter.allow(fmt.Sprintf("10.%d.%d.%d:1234", i>>16&0xff, i>>8&0xff, i&0xff))
	}
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.LessOrEqual(t, len(limiter.limiters), maxTrackedIPs)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestDisabledAccountCannotAuthenticate(t *testing.T) {
	srv, db := newTestServer(t)
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	token, _ := signin(t, srv, priv)

	require.NoError(t, db.Model(&models.Account{}).
		Where("public_key = ?", priv.PubKey().Hex()).
		Update("active", false).Error)

	rec := doJSON(t, srv, http.MethodGet, "/v1/loans", token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	digest, err := signing.LoginMessage(testDomain()).Hash(priv.PubKey())
	require.NoError(t, err)
	rec = doJSON(t, srv, http.MethodPost, "/v1/auth/signin", "", map[string]any{
		"public_key": priv.PubKey().Hex(),
		"signatures": signBundle(t, priv, digest),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitSignin(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.limiter = newIPLimiter(1, 2)

	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	digest, err := signing.LoginMessage(testDomain()).Hash(priv.PubKey())
	require.NoError(t, err)
	payload := map[string]any{
		"public_key": priv.PubKey().Hex(),
		"signatures": signBundle(t, priv, digest),
	}

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/v1/auth/signin", "", payload)
		codes = append(codes, rec.Code)
	}
	require.Contains(t, codes, http.StatusTooManyRequests)
}
