package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"erc20-relay/pkg/relayer"
)

const (
	exitConfigError = 1
	exitKeyError    = 2
	exitChainError  = 3
)

var (
	optionConfig = &cli.StringFlag{
		Name:     "config",
		Usage:    "path to relay config file",
		Required: false, // Can also set config via env var
		EnvVars:  []string{"RELAY_CONFIG"},
	}
)

func main() {
	app := &cli.App{
		Name:  "erc20-relay",
		Usage: "Relays ERC20 tokens between two Ethereum-like networks",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the relay",
				Flags: []cli.Flag{
					optionConfig,
				},
				Action: func(c *cli.Context) error {
					return start(c)
				},
			},
		}}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.Writer, "exited with error: %v\n", err)
		os.Exit(exitConfigError)
	}
}

type chainConfig struct {
	WSURI          string `yaml:"wsuri"`
	Token          string `yaml:"token"`
	Relay          string `yaml:"relay"`
	ChainID        uint64 `yaml:"chain_id"`
	Free           bool   `yaml:"free"`
	Interval       uint64 `yaml:"interval"` // seconds between lookbacks
	Timeout        uint64 `yaml:"timeout"`  // seconds without a header before reconnect
	GasLimit       uint64 `yaml:"gas_limit"`
	MaxLookback    uint64 `yaml:"max_lookback"`
	LookbackMargin uint64 `yaml:"lookback_margin"`
}

type config struct {
	LogLevel        string      `yaml:"log_level"`
	EndpointPort    int         `yaml:"endpoint_port"`
	Account         string      `yaml:"account"`
	KeyfileDir      string      `yaml:"keyfile_dir"`
	Password        string      `yaml:"password"`
	Confirmations   uint64      `yaml:"confirmations"`
	AnchorFrequency uint64      `yaml:"anchor_frequency"`
	Homechain       chainConfig `yaml:"homechain"`
	Sidechain       chainConfig `yaml:"sidechain"`
}

func loadConfigFromEnv() config {
	cfg := config{
		LogLevel:   os.Getenv("LOG_LEVEL"),
		Account:    os.Getenv("RELAY_ACCOUNT"),
		Password:   os.Getenv("RELAY_PASSWORD"),
		KeyfileDir: os.Getenv("RELAY_KEYFILE_DIR"),
	}
	if port := os.Getenv("RELAY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.EndpointPort = p
		}
	}
	return cfg
}

func loadConfigFromFile(cfg *config, filePath string) error {
	buf, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file at: %s, %w", filePath, err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config file at: %s, %w", filePath, err)
	}
	return nil
}

func checkConfig(cfg *config) error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.EndpointPort == 0 {
		cfg.EndpointPort = 8080
	}
	if cfg.EndpointPort < 1 || cfg.EndpointPort > 65535 {
		return fmt.Errorf("endpoint_port must be in 1-65535")
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 12
	}
	if cfg.AnchorFrequency == 0 {
		cfg.AnchorFrequency = 100
	}
	if cfg.Confirmations >= cfg.AnchorFrequency {
		return fmt.Errorf("confirmations must be less than anchor_frequency")
	}
	if !common.IsHexAddress(cfg.Account) {
		return fmt.Errorf("account must be a valid hex address")
	}
	if cfg.KeyfileDir == "" {
		return fmt.Errorf("keyfile_dir is required")
	}
	for name, chain := range map[string]*chainConfig{"homechain": &cfg.Homechain, "sidechain": &cfg.Sidechain} {
		if chain.WSURI == "" {
			return fmt.Errorf("%s.wsuri is required", name)
		}
		if !common.IsHexAddress(chain.Token) {
			return fmt.Errorf("%s.token must be a valid hex address", name)
		}
		if !common.IsHexAddress(chain.Relay) {
			return fmt.Errorf("%s.relay must be a valid hex address", name)
		}
		if common.HexToAddress(chain.Token) == (common.Address{}) || common.HexToAddress(chain.Relay) == (common.Address{}) {
			return fmt.Errorf("%s contract addresses must be non-zero", name)
		}
		if chain.Interval == 0 {
			chain.Interval = 30
		}
		if chain.Timeout == 0 {
			chain.Timeout = 60
		}
		if chain.GasLimit == 0 {
			chain.GasLimit = 500_000
		}
		if chain.MaxLookback == 0 {
			chain.MaxLookback = 10_000
		}
		if chain.LookbackMargin == 0 {
			chain.LookbackMargin = 100
		}
	}
	return nil
}

func setupLogging(logLevel string) {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse log level")
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// unlockAccount scans keyfileDir for the JSON keystore matching account and
// decrypts it with password.
func unlockAccount(keyfileDir string, account common.Address, password string) (*ecdsa.PrivateKey, error) {
	if strings.HasPrefix(keyfileDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home dir: %w", err)
		}
		keyfileDir = filepath.Join(homeDir, keyfileDir[2:])
	}

	entries, err := os.ReadDir(keyfileDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyfile_dir %s: %w", keyfileDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		blob, err := os.ReadFile(filepath.Join(keyfileDir, entry.Name()))
		if err != nil {
			continue
		}
		var probe struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(blob, &probe); err != nil {
			continue
		}
		if !strings.EqualFold(strings.TrimPrefix(probe.Address, "0x"), strings.TrimPrefix(account.Hex(), "0x")) {
			continue
		}
		key, err := keystore.DecryptKey(blob, password)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt keystore %s: %w", entry.Name(), err)
		}
		if got := crypto.PubkeyToAddress(key.PrivateKey.PublicKey); got != account {
			return nil, fmt.Errorf("keystore %s decrypts to %s, want %s", entry.Name(), got.Hex(), account.Hex())
		}
		return key.PrivateKey, nil
	}
	return nil, fmt.Errorf("no keystore for account %s in %s", account.Hex(), keyfileDir)
}

func start(c *cli.Context) error {
	cfg := loadConfigFromEnv()

	configFilePath := c.String(optionConfig.Name)
	if configFilePath == "" {
		log.Info().Msg("env var config will be used")
	} else {
		log.Info().Str("config_file", configFilePath).Msg(
			"overriding env var config with file")
		if err := loadConfigFromFile(&cfg, configFilePath); err != nil {
			return cli.Exit(err, exitConfigError)
		}
	}
	// RELAY_ACCOUNT and RELAY_PASSWORD always win over the file.
	if account := os.Getenv("RELAY_ACCOUNT"); account != "" {
		cfg.Account = account
	}
	if password := os.Getenv("RELAY_PASSWORD"); password != "" {
		cfg.Password = password
	}

	if err := checkConfig(&cfg); err != nil {
		return cli.Exit(fmt.Errorf("invalid config: %w", err), exitConfigError)
	}

	setupLogging(cfg.LogLevel)

	account := common.HexToAddress(cfg.Account)
	privKey, err := unlockAccount(cfg.KeyfileDir, account, cfg.Password)
	if err != nil {
		return cli.Exit(err, exitKeyError)
	}

	r := relayer.NewRelayer(&relayer.Options{
		PrivateKey:      privKey,
		Account:         account,
		Port:            cfg.EndpointPort,
		Confirmations:   cfg.Confirmations,
		AnchorFrequency: cfg.AnchorFrequency,
		Homechain:       chainOptions(cfg.Homechain),
		Sidechain:       chainOptions(cfg.Sidechain),
	})

	errCh, err := r.Start(context.Background())
	if err != nil {
		return cli.Exit(err, exitChainError)
	}

	interruptSigChan := make(chan os.Signal, 1)
	signal.Notify(interruptSigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-interruptSigChan:
	case <-c.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("unrecoverable relay error")
		exitCode = exitChainError
	}
	fmt.Fprintf(c.App.Writer, "shutting down...\n")

	closedAllSuccessfully := make(chan struct{})
	go func() {
		defer close(closedAllSuccessfully)

		if err := r.TryCloseAll(); err != nil {
			log.Error().Err(err).Msg("failed to close all routines and connections")
		}
	}()
	select {
	case <-closedAllSuccessfully:
	case <-time.After(5 * time.Second):
		log.Error().Msg("failed to close all in time")
	}

	if exitCode != 0 {
		return cli.Exit("", exitCode)
	}
	return nil
}

func chainOptions(cc chainConfig) relayer.ChainOptions {
	// A zero chain_id skips the startup match against the node.
	var chainID *big.Int
	if cc.ChainID != 0 {
		chainID = new(big.Int).SetUint64(cc.ChainID)
	}
	return relayer.ChainOptions{
		WSURL:          cc.WSURI,
		ChainID:        chainID,
		Token:          common.HexToAddress(cc.Token),
		Relay:          common.HexToAddress(cc.Relay),
		Free:           cc.Free,
		Interval:       time.Duration(cc.Interval) * time.Second,
		Timeout:        time.Duration(cc.Timeout) * time.Second,
		GasLimit:       cc.GasLimit,
		MaxLookback:    cc.MaxLookback,
		LookbackMargin: cc.LookbackMargin,
	}
}
