package main

import (
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

const signerKeyEnv = "ANCHOR_SIGNER_KEY"

// Application configuration.
type config struct {
	ListenAddr        string
	DBPath            string
	LedgerRPCURL      string
	LedgerDialRetries uint64
	ContractAddress   common.Address
	SignerKey         string
	ChainID           *big.Int
	GasLimit          uint64
	Confirmations     uint64
	FinalityTimeout   time.Duration
	PollInterval      time.Duration
	MaxLedgerCalls    int64
	ToolkitNode       string
	ToolkitDir        string
	ToolkitTimeout    time.Duration
	AllowedOrigins    []string
	IssueRate         float64
	IssueBurst        int
	PendingInterval   time.Duration
	LogFile           string
	Debug             bool
}

// Parse command-line arguments.
// Flags not given on the command line are taken from the -config file, if any.
// Returns a config struct with the parsed arguments.
func parseArguments(args []string) (config, error) {
	fs := flag.NewFlagSet("anchor-api", flag.ContinueOnError)

	addr := fs.String("addr", "0.0.0.0:5000", "Address on which to listen to HTTP requests")
	dbPath := fs.String("db-path", "degrees.sqlite3", "sqlite3 database path")
	rpcURL := fs.String("ledger-rpc-url", "", "JSON-RPC endpoint of the ledger node")
	dialRetries := fs.Uint64("ledger-dial-retries", 5, "How many times to retry connecting to the ledger at startup")
	contract := fs.String("contract-address", "", "Address of the degree registry contract")
	signerKey := fs.String("signer-key", "", "Hex-encoded private key of the issuing account (or set "+signerKeyEnv+")")
	chainID := fs.Int64("chain-id", 11155111, "Chain ID the transactions are signed for")
	gasLimit := fs.Uint64("gas-limit", 200000, "Gas limit of anchoring transactions")
	confirmations := fs.Uint64("confirmations", 1, "Blocks required before an anchoring transaction is final")
	finalityTimeout := fs.String("finality-timeout", "120s", "How long an issuance request waits for finality")
	pollInterval := fs.String("poll-interval", "2s", "How often to poll the ledger for receipts")
	maxLedgerCalls := fs.Int64("max-ledger-calls", 8, "Maximum number of concurrent ledger calls")
	toolkitNode := fs.String("toolkit-node", "node", "Interpreter for the credential toolkit scripts")
	toolkitDir := fs.String("toolkit-dir", "ssi_person2/Blockchain", "Directory holding the credential toolkit scripts")
	toolkitTimeout := fs.String("toolkit-timeout", "60s", "How long a credential toolkit script may run")
	origins := fs.String("allowed-origins", "*", "Comma-separated list of origins allowed to call the API")
	issueRate := fs.Float64("issue-rate", 5, "Sustained issuance requests per second; 0 disables the limit")
	issueBurst := fs.Int("issue-burst", 10, "Issuance requests allowed in a burst")
	pendingInterval := fs.String("pending-interval", "1m", "How often to reconcile issuances still awaiting finality")
	logFile := fs.String("log-file", "", "Also write logs to this file, rotating it as it grows")
	debug := fs.Bool("debug", false, "Whether to enable verbose logging")
	configPath := fs.String("config", "", "Optional TOML file whose keys are flag names")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if *configPath != "" {
		if err := applyConfigFile(fs, *configPath); err != nil {
			return config{}, err
		}
	}

	if *signerKey == "" {
		*signerKey = os.Getenv(signerKeyEnv)
	}
	if *signerKey == "" {
		return config{}, fmt.Errorf("missing -signer-key argument (or %s)", signerKeyEnv)
	}

	if _, _, err := net.SplitHostPort(*addr); err != nil {
		return config{}, fmt.Errorf("invalid -addr argument: %v", err)
	}

	if *rpcURL == "" {
		return config{}, errors.New("missing -ledger-rpc-url argument")
	}
	if u, err := url.Parse(*rpcURL); err != nil {
		return config{}, fmt.Errorf("invalid -ledger-rpc-url argument: %v", err)
	} else {
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return config{}, fmt.Errorf("invalid -ledger-rpc-url argument: invalid scheme '%s'", u.Scheme)
		}
	}

	if !common.IsHexAddress(*contract) {
		return config{}, fmt.Errorf("invalid -contract-address argument: '%s'", *contract)
	}

	if *chainID <= 0 {
		return config{}, errors.New("invalid -chain-id argument: must be positive")
	}
	if *gasLimit == 0 {
		return config{}, errors.New("invalid -gas-limit argument: must be positive")
	}
	if *maxLedgerCalls <= 0 {
		return config{}, errors.New("invalid -max-ledger-calls argument: must be positive")
	}
	if *issueRate < 0 || *issueBurst <= 0 {
		return config{}, errors.New("invalid -issue-rate or -issue-burst argument")
	}

	durations := map[string]*string{
		"finality-timeout": finalityTimeout,
		"poll-interval":    pollInterval,
		"toolkit-timeout":  toolkitTimeout,
		"pending-interval": pendingInterval,
	}
	parsed := make(map[string]time.Duration, len(durations))
	for name, value := range durations {
		d, err := time.ParseDuration(*value)
		if err != nil {
			return config{}, fmt.Errorf("invalid -%s argument: %v", name, err)
		}
		if d <= 0 {
			return config{}, fmt.Errorf("invalid -%s argument: must be positive", name)
		}
		parsed[name] = d
	}

	var allowedOrigins []string
	for _, o := range strings.Split(*origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowedOrigins = append(allowedOrigins, o)
		}
	}

	return config{
		ListenAddr:        *addr,
		DBPath:            *dbPath,
		LedgerRPCURL:      *rpcURL,
		LedgerDialRetries: *dialRetries,
		ContractAddress:   common.HexToAddress(*contract),
		SignerKey:         *signerKey,
		ChainID:           big.NewInt(*chainID),
		GasLimit:          *gasLimit,
		Confirmations:     *confirmations,
		FinalityTimeout:   parsed["finality-timeout"],
		PollInterval:      parsed["poll-interval"],
		MaxLedgerCalls:    *maxLedgerCalls,
		ToolkitNode:       *toolkitNode,
		ToolkitDir:        *toolkitDir,
		ToolkitTimeout:    parsed["toolkit-timeout"],
		AllowedOrigins:    allowedOrigins,
		IssueRate:         *issueRate,
		IssueBurst:        *issueBurst,
		PendingInterval:   parsed["pending-interval"],
		LogFile:           *logFile,
		Debug:             *debug,
	}, nil
}

// applyConfigFile sets every flag named in the TOML file that was not given
// on the command line.
func applyConfigFile(fs *flag.FlagSet, path string) error {
	var values map[string]interface{}
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("invalid -config file: %v", err)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	for name, value := range values {
		if name == "config" {
			return errors.New("invalid -config file: nested config is not supported")
		}
		if fs.Lookup(name) == nil {
			return fmt.Errorf("invalid -config file: unknown key '%s'", name)
		}
		if explicit[name] {
			continue
		}
		if err := fs.Set(name, tomlValueString(value)); err != nil {
			return fmt.Errorf("invalid -config file: key '%s': %v", name, err)
		}
	}
	return nil
}

func tomlValueString(v interface{}) string {
	switch v := v.(type) {
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ",")
	case time.Duration:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
