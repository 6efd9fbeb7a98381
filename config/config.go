// Package config loads the node's TOML configuration file and the YAML
// policy genesis document referenced from it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"github.com/arcadexyz/arcade-protocol-sub003/crypto"
)

type Config struct {
	RPCAddress           string `toml:"RPCAddress"`
	DataDir              string `toml:"DataDir"`
	PolicyFile           string `toml:"PolicyFile"`
	OperatorKeystorePath string `toml:"OperatorKeystorePath"`
	NetworkName          string `toml:"NetworkName"`

	ChainID      uint64 `toml:"ChainID"`
	VaultAddress string `toml:"VaultAddress"`
	PoolAddress  string `toml:"PoolAddress"`

	GracePeriodSecs   uint64 `toml:"GracePeriodSecs"`
	AccrueAfterExpiry bool   `toml:"AccrueAfterExpiry"`

	RateLimitPerSec float64 `toml:"RateLimitPerSec"`
	RateLimitBurst  int     `toml:"RateLimitBurst"`

	LogLevel string `toml:"LogLevel"`
}

// Load loads the configuration from the given path, creating a default file
// with a fresh operator keystore when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "arcade-local"
	}
	if cfg.RPCAddress == "" {
		cfg.RPCAddress = ":8067"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./arcade-data"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}
	if cfg.GracePeriodSecs == 0 {
		cfg.GracePeriodSecs = 600
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Vault parses the configured collateral vault address.
func (c *Config) Vault() common.Address {
	return common.HexToAddress(c.VaultAddress)
}

// Pool parses the configured escrow pool address.
func (c *Config) Pool() common.Address {
	return common.HexToAddress(c.PoolAddress)
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveOperatorKey(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveOperatorKey(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		OperatorKeystorePath: keystorePath,
		VaultAddress:         "0x0000000000000000000000000000000000000101",
		PoolAddress:          "0x0000000000000000000000000000000000000102",
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}

// Validate rejects configurations no deployment could run with.
func Validate(cfg *Config) error {
	if cfg.ChainID == 0 {
		return fmt.Errorf("config: ChainID must be nonzero")
	}
	if !common.IsHexAddress(cfg.VaultAddress) {
		return fmt.Errorf("config: VaultAddress %q is not a valid address", cfg.VaultAddress)
	}
	if !common.IsHexAddress(cfg.PoolAddress) {
		return fmt.Errorf("config: PoolAddress %q is not a valid address", cfg.PoolAddress)
	}
	if cfg.Vault() == cfg.Pool() {
		return fmt.Errorf("config: vault and pool addresses must differ")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown LogLevel %q", cfg.LogLevel)
	}
	return nil
}
