package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/arcadexyz/arcade-protocol-sub003/config"
	"github.com/arcadexyz/arcade-protocol-sub003/crypto"
	"github.com/arcadexyz/arcade-protocol-sub003/loan"
	"github.com/arcadexyz/arcade-protocol-sub003/node"
	"github.com/arcadexyz/arcade-protocol-sub003/observability/logging"
	"github.com/arcadexyz/arcade-protocol-sub003/rpc"
	"github.com/arcadexyz/arcade-protocol-sub003/storage"
)

const operatorPassEnv = "ARCADE_OPERATOR_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	policyFlag := flag.String("policy", "", "Path to a policy genesis YAML file (overrides config PolicyFile)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ARCADE_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("arcaded", env, cfg.LogLevel)

	policy, err := loadGenesisPolicy(*policyFlag, cfg.PolicyFile)
	if err != nil {
		logger.Error("Failed to load policy genesis", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chaindata"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	privKey, err := crypto.LoadOperatorKey(cfg.OperatorKeystorePath, os.Getenv(operatorPassEnv))
	if err != nil {
		panic(fmt.Sprintf("Failed to load operator key: %v", err))
	}
	operator := privKey.PubKey()

	n, err := node.New(cfg, db, policy, logger)
	if err != nil {
		logger.Error("Failed to initialise node", slog.Any("error", err))
		os.Exit(1)
	}
	n.SetAdmin(operator.Common())

	logger.Info("node initialised",
		"network", cfg.NetworkName,
		"chain_id", cfg.ChainID,
		"operator", operator.Address().String(),
		"vault", cfg.Vault().Hex(),
		"pool", cfg.Pool().Hex(),
	)

	server := rpc.NewServer(n, cfg.RPCAddress, cfg.RateLimitPerSec, cfg.RateLimitBurst, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("rpc server failed", slog.Any("error", err))
		os.Exit(1)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete", slog.Any("error", err))
		os.Exit(1)
	}
}

// loadGenesisPolicy reads the YAML policy document. A node with persisted
// policy state starts fine without one; a fresh node without it starts with
// an empty allow-list and admits no loans until the admin configures policy.
func loadGenesisPolicy(flagPath, configPath string) (*loan.PolicyStore, error) {
	path := strings.TrimSpace(flagPath)
	if path == "" {
		path = strings.TrimSpace(configPath)
	}
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return loan.ParsePolicyDocument(data)
}
