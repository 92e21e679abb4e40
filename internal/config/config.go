// Package config resolves service configuration from environment variables
// layered over a phase-selected YAML file (CONFIG_PHASE/CONFIG_FILE). YAML
// keys are flattened to the same upper-snake names as the env vars, and the
// environment always wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// ExecutorConfig drives the monitoring/execution service.
type ExecutorConfig struct {
	RPCURL      string
	Commitment  rpc.CommitmentType
	KeypairPath string

	// Hex-encoded secp256k1 private key used to open encrypted orders.
	DecryptKeyHex string

	BridgeProgramID solana.PublicKey

	PollInterval      time.Duration
	MaxMatchesPerTick int
	PriceStaleness    time.Duration
	DriftSubAccountID uint16
	RedelegateAfter   bool

	HermesEndpoint          string
	EnablePriceStream       bool
	PriceStreamURL          string
	StreamReconnectInterval time.Duration

	RelayEndpoint                 string
	RelayTimeout                  time.Duration
	TipLamports                   uint64
	TipEscalationFactor           float64
	MaxTipLamports                uint64
	MaxBundleAttempts             int
	BundlePollInterval            time.Duration
	BundlePollAttempts            int
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64

	// Postgres DSN for the pending-settlement store. Empty selects the
	// in-memory store.
	SettlementDBDSN string

	Log LogConfig
}

// CtlConfig covers the ghostctl command-line tool.
type CtlConfig struct {
	RPCURL          string
	Commitment      rpc.CommitmentType
	KeypairPath     string
	BridgeProgramID solana.PublicKey
	RelayEndpoint   string
	RelayTimeout    time.Duration
	HermesEndpoint  string
	Log             LogConfig
}

var (
	defaultBridgeProgramID = solana.MustPublicKeyFromBase58("8w95bQ7UzKHKa4NYvyVeAVGN3dMgwshJhhTinPfabMLA")
	defaultHermesEndpoint  = "https://hermes.pyth.network"
	defaultPriceStreamURL  = "wss://hermes.pyth.network/ws"
	defaultRelayEndpoint   = "https://mainnet.block-engine.jito.wtf/api/v1/bundles"
)

func LoadExecutorConfig() (ExecutorConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ExecutorConfig{}, err
	}

	keypairPath, err := expandHomePath(envOrDefault("EXECUTOR_KEYPAIR_PATH", envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json")))
	if err != nil {
		return ExecutorConfig{}, fmt.Errorf("expand keypair path: %w", err)
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return ExecutorConfig{}, err
	}
	bridgeProgramID, err := envPubkey("BRIDGE_PROGRAM_ID", defaultBridgeProgramID)
	if err != nil {
		return ExecutorConfig{}, err
	}

	pollInterval, err := envDuration("EXECUTOR_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return ExecutorConfig{}, err
	}
	maxMatches, err := envInt("EXECUTOR_MAX_MATCHES_PER_TICK", 4)
	if err != nil {
		return ExecutorConfig{}, err
	}
	staleness, err := envDuration("EXECUTOR_PRICE_STALENESS", 30*time.Second)
	if err != nil {
		return ExecutorConfig{}, err
	}
	subAccountID, err := envUint16("EXECUTOR_DRIFT_SUB_ACCOUNT_ID", 0)
	if err != nil {
		return ExecutorConfig{}, err
	}
	redelegateAfter, err := envBool("EXECUTOR_REDELEGATE_AFTER", false)
	if err != nil {
		return ExecutorConfig{}, err
	}

	enableStream, err := envBool("EXECUTOR_ENABLE_PRICE_STREAM", true)
	if err != nil {
		return ExecutorConfig{}, err
	}
	streamReconnect, err := envDuration("EXECUTOR_STREAM_RECONNECT_INTERVAL", 3*time.Second)
	if err != nil {
		return ExecutorConfig{}, err
	}

	relayTimeout, err := envDuration("RELAY_TIMEOUT", 15*time.Second)
	if err != nil {
		return ExecutorConfig{}, err
	}
	tipLamports, err := envUint64("BUNDLE_TIP_LAMPORTS", 10_000)
	if err != nil {
		return ExecutorConfig{}, err
	}
	tipFactor, err := envFloat64("BUNDLE_TIP_ESCALATION_FACTOR", 1.5)
	if err != nil {
		return ExecutorConfig{}, err
	}
	maxTip, err := envUint64("BUNDLE_MAX_TIP_LAMPORTS", 500_000)
	if err != nil {
		return ExecutorConfig{}, err
	}
	maxAttempts, err := envInt("BUNDLE_MAX_ATTEMPTS", 3)
	if err != nil {
		return ExecutorConfig{}, err
	}
	bundlePollInterval, err := envDuration("BUNDLE_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return ExecutorConfig{}, err
	}
	bundlePollAttempts, err := envInt("BUNDLE_POLL_ATTEMPTS", 15)
	if err != nil {
		return ExecutorConfig{}, err
	}
	cuLimit, err := envUint32("BUNDLE_COMPUTE_UNIT_LIMIT", 400_000)
	if err != nil {
		return ExecutorConfig{}, err
	}
	cuPrice, err := envUint64("BUNDLE_COMPUTE_UNIT_PRICE_MICRO_LAMPORTS", 0)
	if err != nil {
		return ExecutorConfig{}, err
	}

	decryptKey := envOrDefault("EXECUTOR_DECRYPT_KEY", "")
	if decryptKey == "" {
		return ExecutorConfig{}, errors.New("EXECUTOR_DECRYPT_KEY is required")
	}

	return ExecutorConfig{
		RPCURL:                        envOrDefault("SOLANA_RPC_URL", "http://127.0.0.1:8899"),
		Commitment:                    commitment,
		KeypairPath:                   keypairPath,
		DecryptKeyHex:                 decryptKey,
		BridgeProgramID:               bridgeProgramID,
		PollInterval:                  pollInterval,
		MaxMatchesPerTick:             maxMatches,
		PriceStaleness:                staleness,
		DriftSubAccountID:             subAccountID,
		RedelegateAfter:               redelegateAfter,
		HermesEndpoint:                envOrDefault("HERMES_ENDPOINT", defaultHermesEndpoint),
		EnablePriceStream:             enableStream,
		PriceStreamURL:                envOrDefault("HERMES_STREAM_URL", defaultPriceStreamURL),
		StreamReconnectInterval:       streamReconnect,
		RelayEndpoint:                 envOrDefault("RELAY_ENDPOINT", defaultRelayEndpoint),
		RelayTimeout:                  relayTimeout,
		TipLamports:                   tipLamports,
		TipEscalationFactor:           tipFactor,
		MaxTipLamports:                maxTip,
		MaxBundleAttempts:             maxAttempts,
		BundlePollInterval:            bundlePollInterval,
		BundlePollAttempts:            bundlePollAttempts,
		ComputeUnitLimit:              cuLimit,
		ComputeUnitPriceMicroLamports: cuPrice,
		SettlementDBDSN:               envOrDefault("SETTLEMENT_DB_DSN", ""),
		Log:                           buildLogConfig("EXECUTOR"),
	}, nil
}

func LoadCtlConfig() (CtlConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return CtlConfig{}, err
	}

	keypairPath, err := expandHomePath(envOrDefault("GHOSTCTL_KEYPAIR_PATH", envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json")))
	if err != nil {
		return CtlConfig{}, fmt.Errorf("expand keypair path: %w", err)
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return CtlConfig{}, err
	}
	bridgeProgramID, err := envPubkey("BRIDGE_PROGRAM_ID", defaultBridgeProgramID)
	if err != nil {
		return CtlConfig{}, err
	}
	relayTimeout, err := envDuration("RELAY_TIMEOUT", 15*time.Second)
	if err != nil {
		return CtlConfig{}, err
	}

	return CtlConfig{
		RPCURL:          envOrDefault("SOLANA_RPC_URL", "http://127.0.0.1:8899"),
		Commitment:      commitment,
		KeypairPath:     keypairPath,
		BridgeProgramID: bridgeProgramID,
		RelayEndpoint:   envOrDefault("RELAY_ENDPOINT", defaultRelayEndpoint),
		RelayTimeout:    relayTimeout,
		HermesEndpoint:  envOrDefault("HERMES_ENDPOINT", defaultHermesEndpoint),
		Log:             buildLogConfig("GHOSTCTL"),
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(prefix string) LogConfig {
	return LogConfig{
		Level:    envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info")),
		Format:   envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text")),
		Output:   envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console")),
		// An empty path lets the logging package place the file under logs/.
		FilePath: envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", "")),
	}
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envUint32(key string, fallback uint32) (uint32, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint32(v), nil
}

func envUint16(key string, fallback uint16) (uint16, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint16(v), nil
}

func envFloat64(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	return strings.TrimSpace(runtimeConfigValues[key])
}
