package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"nftlend/config"
	"nftlend/engine"
	"nftlend/identity"
	"nftlend/models"
	"nftlend/observability"
	"nftlend/observability/logging"
	"nftlend/server"
	"nftlend/signing"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Setup("nftlendd", "", "").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("nftlendd", cfg.Environment, cfg.LogFile)

	secret, err := cfg.TokenSecret()
	if err != nil {
		logger.Error("resolve token secret", "error", err)
		os.Exit(1)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}
	if err := seedWhitelists(db, cfg); err != nil {
		logger.Error("seed whitelists", "error", err)
		os.Exit(1)
	}

	domain := signing.Domain{
		Name:    cfg.Signature.DomainName,
		ChainID: cfg.Signature.ChainID,
		Version: cfg.Signature.Version,
	}
	eng := engine.New(engine.Config{
		DB:              db,
		Domain:          domain,
		MinLoanDuration: cfg.Loan.MinDurationSeconds,
		MaxLoanDuration: cfg.Loan.MaxDurationSeconds,
		ObserverKeys:    cfg.ObserverKeys,
		Logger:          logger,
	})
	resolver := identity.NewResolver(db)
	tokens, err := identity.NewTokenIssuer(secret, cfg.Auth.Issuer, cfg.AccessTTL(), cfg.RefreshTTL())
	if err != nil {
		logger.Error("construct token issuer", "error", err)
		os.Exit(1)
	}

	srv := server.New(server.Config{
		DB:              db,
		Engine:          eng,
		Resolver:        resolver,
		Tokens:          tokens,
		Domain:          domain,
		Logger:          logger,
		Metrics:         observability.Metrics(),
		SigninPerMinute: cfg.RateLimit.SigninPerMinute,
		SigninBurst:     cfg.RateLimit.SigninBurst,
	})

	handler := otelhttp.NewHandler(srv.Handler(), "nftlendd")
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("stopped")
}

// seedWhitelists upserts the configured collateral and currency whitelists.
// Existing rows are left untouched so operator edits in the database survive
// restarts.
func seedWhitelists(db *gorm.DB, cfg *config.Config) error {
	for _, nft := range cfg.AcceptedNFTs {
		var count int64
		if err := db.Model(&models.AcceptedNFT{}).Where("contract_address = ?", nft.ContractAddress).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		entry := models.AcceptedNFT{
			ID:              uuid.New(),
			Name:            nft.Name,
			ContractAddress: nft.ContractAddress,
			CreatedAt:       time.Now(),
		}
		if err := db.Create(&entry).Error; err != nil {
			return err
		}
	}
	for _, token := range cfg.AcceptedTokens {
		var count int64
		if err := db.Model(&models.AcceptedToken{}).Where("contract_address = ?", token.ContractAddress).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		entry := models.AcceptedToken{
			ID:              uuid.New(),
			Name:            token.Name,
			ContractAddress: token.ContractAddress,
			Decimals:        token.Decimals,
			CreatedAt:       time.Now(),
		}
		if err := db.Create(&entry).Error; err != nil {
			return err
		}
	}
	return nil
}
