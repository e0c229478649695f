package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"Beluga/sign"

	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"
)

// Coin kinds selectable in the config file.
const (
	CoinHash      = "hash"
	CoinThreshold = "threshold"
)

// Parameters are the protocol tuning knobs. Absent values are defaulted.
type Parameters struct {
	BatchSize          int           // transaction bytes that seal a batch
	MaxBatchDelay      time.Duration // seal a non-empty batch after this long
	HeaderTimeout      time.Duration // retransmit the identical header
	RoundDelay         time.Duration // pause between parent quorum and proposal
	GCDepth            uint64        // trailing rounds kept below the commit
	ChannelCapacity    int
	MaxPool            int // pooled connections per peer
	SyncRetryDelay     time.Duration
	CodedDissemination bool // erasure-code batches across the committee
}

// DefaultParameters returns the tuning used when the config file is silent.
func DefaultParameters() Parameters {
	return Parameters{
		BatchSize:          500_000,
		MaxBatchDelay:      100 * time.Millisecond,
		HeaderTimeout:      1000 * time.Millisecond,
		RoundDelay:         0,
		GCDepth:            50,
		ChannelCapacity:    1_000,
		MaxPool:            2,
		SyncRetryDelay:     1000 * time.Millisecond,
		CodedDissemination: false,
	}
}

// Config carries everything a node needs to start.
type Config struct {
	Protocol  string
	Name      string
	Committee *Committee
	Params    Parameters
	LogLevel  int
	StorePath string
	Coin      string
	IsFaulty  bool

	// Used for ED25519 signature
	PrivateKey ed25519.PrivateKey

	// Used for threshold signature
	TsPublicKey  *share.PubPoly
	TsPrivateKey *share.PriShare

	// keygen mode inputs
	KeygenNodes     int
	KeygenThreshold int
	KeygenOutDir    string
}

// New creates a config directly, used by the in-process tests.
func New(name string, committee *Committee, params Parameters, privateKey ed25519.PrivateKey,
	tsPublicKey *share.PubPoly, tsPrivateKey *share.PriShare, logLevel int, storePath, coin string,
	isFaulty bool) *Config {
	return &Config{
		Protocol:     "beluga",
		Name:         name,
		Committee:    committee,
		Params:       params,
		LogLevel:     logLevel,
		StorePath:    storePath,
		Coin:         coin,
		IsFaulty:     isFaulty,
		PrivateKey:   privateKey,
		TsPublicKey:  tsPublicKey,
		TsPrivateKey: tsPrivateKey,
	}
}

// LoadConfig loads the config file (e.g. config.yaml) via viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()

	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")

	viperConfig.SetDefault("protocol", "beluga")
	viperConfig.SetDefault("coin", CoinHash)
	viperConfig.SetDefault("log_level", 3)
	viperConfig.SetDefault("store_path", "./beluga-db")

	defaults := DefaultParameters()
	viperConfig.SetDefault("batch_size", defaults.BatchSize)
	viperConfig.SetDefault("max_batch_delay_ms", int(defaults.MaxBatchDelay/time.Millisecond))
	viperConfig.SetDefault("header_timeout_ms", int(defaults.HeaderTimeout/time.Millisecond))
	viperConfig.SetDefault("round_delay_ms", int(defaults.RoundDelay/time.Millisecond))
	viperConfig.SetDefault("gc_depth", defaults.GCDepth)
	viperConfig.SetDefault("channel_capacity", defaults.ChannelCapacity)
	viperConfig.SetDefault("max_pool", defaults.MaxPool)
	viperConfig.SetDefault("sync_retry_delay_ms", int(defaults.SyncRetryDelay/time.Millisecond))
	viperConfig.SetDefault("coded_dissemination", defaults.CodedDissemination)

	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, fmt.Errorf("read configuration failed: %w", err)
	}

	conf := &Config{
		Protocol:  viperConfig.GetString("protocol"),
		Name:      viperConfig.GetString("name"),
		LogLevel:  viperConfig.GetInt("log_level"),
		StorePath: viperConfig.GetString("store_path"),
		Coin:      viperConfig.GetString("coin"),
		IsFaulty:  viperConfig.GetBool("is_faulty"),
		Params: Parameters{
			BatchSize:          viperConfig.GetInt("batch_size"),
			MaxBatchDelay:      time.Duration(viperConfig.GetInt("max_batch_delay_ms")) * time.Millisecond,
			HeaderTimeout:      time.Duration(viperConfig.GetInt("header_timeout_ms")) * time.Millisecond,
			RoundDelay:         time.Duration(viperConfig.GetInt("round_delay_ms")) * time.Millisecond,
			GCDepth:            viperConfig.GetUint64("gc_depth"),
			ChannelCapacity:    viperConfig.GetInt("channel_capacity"),
			MaxPool:            viperConfig.GetInt("max_pool"),
			SyncRetryDelay:     time.Duration(viperConfig.GetInt("sync_retry_delay_ms")) * time.Millisecond,
			CodedDissemination: viperConfig.GetBool("coded_dissemination"),
		},
		KeygenNodes:     viperConfig.GetInt("keygen_nodes"),
		KeygenThreshold: viperConfig.GetInt("keygen_threshold"),
		KeygenOutDir:    viperConfig.GetString("keygen_out_dir"),
	}

	if conf.Protocol == "keygen" {
		return conf, nil
	}

	clusterAddr := viperConfig.GetStringMapString("cluster_addr")
	clusterPK := viperConfig.GetStringMapString("cluster_pk")

	members := make(map[string]Member, len(clusterAddr))
	for name, addr := range clusterAddr {
		pkAsString, ok := clusterPK[name]
		if !ok {
			return nil, fmt.Errorf("no public key configured for %s", name)
		}
		pk, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, fmt.Errorf("decode public key of %s failed: %w", name, err)
		}
		members[name] = Member{
			Addr:      addr,
			Port:      viperConfig.GetInt("cluster_port." + name),
			PublicKey: pk,
			Stake:     viperConfig.GetUint64("cluster_stake." + name),
		}
	}
	conf.Committee = NewCommittee(members)

	if !conf.Committee.Exists(conf.Name) {
		return nil, fmt.Errorf("node %s is not in the committee", conf.Name)
	}

	skAsString := viperConfig.GetString("private_key")
	sk, err := hex.DecodeString(skAsString)
	if err != nil {
		return nil, fmt.Errorf("decode private key failed: %w", err)
	}
	conf.PrivateKey = sk

	if tsShare := viperConfig.GetString("ts_share"); tsShare != "" {
		raw, err := hex.DecodeString(tsShare)
		if err != nil {
			return nil, fmt.Errorf("decode threshold share failed: %w", err)
		}
		conf.TsPrivateKey, err = sign.UnmarshalPriShare(raw)
		if err != nil {
			return nil, fmt.Errorf("unmarshal threshold share failed: %w", err)
		}
	}
	if tsPoly := viperConfig.GetString("ts_pub_poly"); tsPoly != "" {
		raw, err := hex.DecodeString(tsPoly)
		if err != nil {
			return nil, fmt.Errorf("decode threshold public polynomial failed: %w", err)
		}
		conf.TsPublicKey, err = sign.UnmarshalPubPoly(raw)
		if err != nil {
			return nil, fmt.Errorf("unmarshal threshold public polynomial failed: %w", err)
		}
	}
	if conf.Coin == CoinThreshold && (conf.TsPrivateKey == nil || conf.TsPublicKey == nil) {
		return nil, fmt.Errorf("the threshold coin requires ts_share and ts_pub_poly")
	}
	return conf, nil
}
