package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the immutable runtime configuration for the lending gateway.
// It is loaded once at startup and threaded explicitly into constructors.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DatabaseURL   string `toml:"DatabaseURL"`
	Environment   string `toml:"Environment"`
	LogFile       string `toml:"LogFile"`

	// ObserverKeys lists the public keys of chain-observer accounts trusted
	// to report any loan transition regardless of participation.
	ObserverKeys []string `toml:"ObserverKeys"`

	Signature SignatureConfig `toml:"Signature"`
	Auth      AuthConfig      `toml:"Auth"`
	Loan      LoanConfig      `toml:"Loan"`
	RateLimit RateLimitConfig `toml:"RateLimit"`

	AcceptedNFTs   []AcceptedNFTConfig   `toml:"AcceptedNFTs"`
	AcceptedTokens []AcceptedTokenConfig `toml:"AcceptedTokens"`
}

// SignatureConfig parameterizes the typed-message domain separator. All
// three fields are part of the interoperability contract with the wallet.
type SignatureConfig struct {
	DomainName string `toml:"DomainName"`
	ChainID    string `toml:"ChainID"`
	Version    string `toml:"Version"`
}

// AuthConfig controls session token issuance. The signing secret is never
// stored in the file; it is read from the environment variable named by
// SecretEnv.
type AuthConfig struct {
	Issuer            string `toml:"Issuer"`
	SecretEnv         string `toml:"SecretEnv"`
	AccessTTLSeconds  int    `toml:"AccessTTLSeconds"`
	RefreshTTLSeconds int    `toml:"RefreshTTLSeconds"`
}

// LoanConfig bounds offer durations.
type LoanConfig struct {
	MinDurationSeconds uint64 `toml:"MinDurationSeconds"`
	MaxDurationSeconds uint64 `toml:"MaxDurationSeconds"`
}

// RateLimitConfig throttles the unauthenticated signin endpoint per client
// IP.
type RateLimitConfig struct {
	SigninPerMinute int `toml:"SigninPerMinute"`
	SigninBurst     int `toml:"SigninBurst"`
}

// AcceptedNFTConfig seeds the collateral whitelist at boot.
type AcceptedNFTConfig struct {
	Name            string `toml:"Name"`
	ContractAddress string `toml:"ContractAddress"`
}

// AcceptedTokenConfig seeds the currency whitelist at boot.
type AcceptedTokenConfig struct {
	Name            string `toml:"Name"`
	ContractAddress string `toml:"ContractAddress"`
	Decimals        uint8  `toml:"Decimals"`
}

// Load reads the configuration from the given path, applies environment
// overrides, and validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		c.Auth.Issuer = "nftlend"
	}
	if strings.TrimSpace(c.Auth.SecretEnv) == "" {
		c.Auth.SecretEnv = "NFTLEND_JWT_SECRET"
	}
	if c.Auth.AccessTTLSeconds <= 0 {
		c.Auth.AccessTTLSeconds = 900
	}
	if c.Auth.RefreshTTLSeconds <= 0 {
		c.Auth.RefreshTTLSeconds = 86400
	}
	if c.Loan.MinDurationSeconds == 0 {
		c.Loan.MinDurationSeconds = 3600
	}
	if c.Loan.MaxDurationSeconds == 0 {
		c.Loan.MaxDurationSeconds = 365 * 24 * 3600
	}
	if c.RateLimit.SigninPerMinute <= 0 {
		c.RateLimit.SigninPerMinute = 30
	}
	if c.RateLimit.SigninBurst <= 0 {
		c.RateLimit.SigninBurst = 10
	}
	if strings.TrimSpace(c.Signature.Version) == "" {
		c.Signature.Version = "1"
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("NFTLEND_DB_URL")); v != "" {
		c.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("NFTLEND_LISTEN")); v != "" {
		c.ListenAddress = v
	}
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: DatabaseURL (or NFTLEND_DB_URL) is required")
	}
	if strings.TrimSpace(c.Signature.DomainName) == "" {
		return fmt.Errorf("config: Signature.DomainName is required")
	}
	if strings.TrimSpace(c.Signature.ChainID) == "" {
		return fmt.Errorf("config: Signature.ChainID is required")
	}
	if c.Loan.MinDurationSeconds > c.Loan.MaxDurationSeconds {
		return fmt.Errorf("config: Loan.MinDurationSeconds exceeds Loan.MaxDurationSeconds")
	}
	for i, nft := range c.AcceptedNFTs {
		if strings.TrimSpace(nft.Name) == "" || strings.TrimSpace(nft.ContractAddress) == "" {
			return fmt.Errorf("config: AcceptedNFTs[%d] requires Name and ContractAddress", i)
		}
	}
	for i, token := range c.AcceptedTokens {
		if strings.TrimSpace(token.Name) == "" || strings.TrimSpace(token.ContractAddress) == "" {
			return fmt.Errorf("config: AcceptedTokens[%d] requires Name and ContractAddress", i)
		}
	}
	return nil
}

// TokenSecret resolves the session signing secret from the environment.
func (c *Config) TokenSecret() ([]byte, error) {
	secret := strings.TrimSpace(os.Getenv(c.Auth.SecretEnv))
	if secret == "" {
		return nil, fmt.Errorf("config: environment variable %s is empty", c.Auth.SecretEnv)
	}
	return []byte(secret), nil
}

// AccessTTL returns the access token lifetime.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.Auth.AccessTTLSeconds) * time.Second
}

// RefreshTTL returns the refresh token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.Auth.RefreshTTLSeconds) * time.Second
}
