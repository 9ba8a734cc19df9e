package identity

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"nftlend/crypto"
	"nftlend/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestResolveOrCreateIsIdempotent(t *testing.T) {
	db := testDB(t)
	resolver := NewResolver(db)
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	key := priv.PubKey().Hex()

	first, created, err := resolver.ResolveOrCreate(context.Background(), key)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, key, first.PublicKey)

	second, created, err := resolver.ResolveOrCreate(context.Background(), key)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&models.Account{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestResolveOrCreateNormalizesKey(t *testing.T) {
	db := testDB(t)
	resolver := NewResolver(db)
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	key := priv.PubKey().Hex()

	first, _, err := resolver.ResolveOrCreate(context.Background(), key)
	require.NoError(t, err)
	second, created, err := resolver.ResolveOrCreate(context.Background(), "0X"+key[2:])
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
}

func TestResolveOrCreateRejectsDisabledAccount(t *testing.T) {
	db := testDB(t)
	resolver := NewResolver(db)
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	key := priv.PubKey().Hex()

	account, _, err := resolver.ResolveOrCreate(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Account{}).Where("id = ?", account.ID).Update("active", false).Error)

	_, _, err = resolver.ResolveOrCreate(context.Background(), key)
	require.ErrorIs(t, err, ErrAccountDisabled)
}

func TestTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), "nftlend", time.Minute, time.Hour)
	require.NoError(t, err)

	db := testDB(t)
	resolver := NewResolver(db)
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	account, _, err := resolver.ResolveOrCreate(context.Background(), priv.PubKey().Hex())
	require.NoError(t, err)

	bundle, err := issuer.Issue(account)
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Access)
	require.NotEmpty(t, bundle.Refresh)
	require.Greater(t, bundle.Expiry, time.Now().Unix())

	claims, err := issuer.VerifyAccess(bundle.Access)
	require.NoError(t, err)
	require.Equal(t, account.ID, claims.AccountID)
	require.Equal(t, account.PublicKey, claims.PublicKey)

	refreshClaims, err := issuer.VerifyRefresh(bundle.Refresh)
	require.NoError(t, err)
	require.Equal(t, account.ID, refreshClaims.AccountID)
}

func TestTokenTypesAreNotInterchangeable(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), "nftlend", time.Minute, time.Hour)
	require.NoError(t, err)

	account := &models.Account{ID: uuid.New(), PublicKey: "0xabc"}
	bundle, err := issuer.Issue(account)
	require.NoError(t, err)

	_, err = issuer.VerifyAccess(bundle.Refresh)
	require.Error(t, err)
	_, err = issuer.VerifyRefresh(bundle.Access)
	require.Error(t, err)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), "nftlend", time.Minute, time.Hour)
	require.NoError(t, err)

	account := &models.Account{ID: uuid.New(), PublicKey: "0xabc"}
	bundle, err := issuer.Issue(account)
	require.NoError(t, err)

	issuer.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = issuer.VerifyAccess(bundle.Access)
	require.Error(t, err)
}

func TestTokenFromDifferentSecretIsRejected(t *testing.T) {
	issuerA, err := NewTokenIssuer([]byte("secret-a"), "nftlend", time.Minute, time.Hour)
	require.NoError(t, err)
	issuerB, err := NewTokenIssuer([]byte("secret-b"), "nftlend", time.Minute, time.Hour)
	require.NoError(t, err)

	account := &models.Account{ID: uuid.New(), PublicKey: "0xabc"}
	bundle, err := issuerA.Issue(account)
	require.NoError(t, err)

	_, err = issuerB.VerifyAccess(bundle.Access)
	require.Error(t, err)
}
