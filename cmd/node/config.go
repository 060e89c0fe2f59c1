package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"QuadRing/internal/repair"
	"QuadRing/internal/ring"
)

// Config holds the node configuration. Values come from an optional YAML
// file overridden by command-line flags.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string `yaml:"data"`

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string `yaml:"http"`

	// QUICAddress is the QUIC listen address.
	QUICAddress string `yaml:"quic"`

	// KeyPath is the path to the ed25519 private key file.
	KeyPath string `yaml:"key"`

	// Position is the node's ring position as 32 hex characters. Empty
	// derives it from the public key.
	Position string `yaml:"position"`

	// Bootstrap lists known-host QUIC addresses used to seed the peer
	// sampler.
	Bootstrap []string `yaml:"bootstrap"`

	// Repair carries the replica repair engine keys.
	Repair RepairConfig `yaml:"repair"`

	// PrivateKey is loaded from KeyPath.
	PrivateKey ed25519.PrivateKey `yaml:"-"`
}

// RepairConfig mirrors the repair engine configuration keys.
type RepairConfig struct {
	Enabled            *bool   `yaml:"rrepair_enabled"`
	TriggerIntervalMS  int     `yaml:"rr_trigger_interval"`
	TriggerProbability int     `yaml:"rr_trigger_probability"`
	ReconMethod        string  `yaml:"rr_recon_method"`
	RepairType         string  `yaml:"rr_repair_type"`
	BloomFPR           float64 `yaml:"rr_bloom_fpr"`
	MaxItems           int     `yaml:"rr_max_items"`
	ArtInnerFPR        float64 `yaml:"rr_art_inner_fpr"`
	ArtLeafFPR         float64 `yaml:"rr_art_leaf_fpr"`
	ArtCorrection      float64 `yaml:"rr_art_correction_factor"`
	MerkleBranch       int     `yaml:"rr_merkle_branch_factor"`
	MerkleBucket       int     `yaml:"rr_merkle_bucket_size"`
	SessionTTLMS       int     `yaml:"rr_session_ttl"`
	GCIntervalMS       int     `yaml:"rr_gc_interval"`
}

// loadConfig parses flags and the optional config file. Flags win.
func loadConfig() (*Config, error) {
	var (
		configPath = flag.String("config", "", "YAML config file path")
		dataPath   = flag.String("data", "./data", "Data directory path")
		httpAddr   = flag.String("http", ":8080", "HTTP API address")
		quicAddr   = flag.String("quic", ":9000", "QUIC listen address")
		keyPath    = flag.String("key", "", "ed25519 private key path (generates new if missing)")
		position   = flag.String("position", "", "Ring position as 32 hex chars (derived from key if empty)")
		bootstrap  = flag.String("bootstrap", "", "Comma-separated bootstrap QUIC addresses")
		method     = flag.String("recon-method", "", "Reconciliation method: bloom, merkle_tree or art")
	)

	flag.Parse()

	cfg := &Config{
		DataPath:    "./data",
		HTTPAddress: ":8080",
		QUICAddress: ":9000",
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file:\n%w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file:\n%w", err)
		}
	}

	// Flags override file values when set explicitly.
	flagSet := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { flagSet[f.Name] = true })

	if flagSet["data"] || cfg.DataPath == "" {
		cfg.DataPath = *dataPath
	}

	if flagSet["http"] || cfg.HTTPAddress == "" {
		cfg.HTTPAddress = *httpAddr
	}

	if flagSet["quic"] || cfg.QUICAddress == "" {
		cfg.QUICAddress = *quicAddr
	}

	if flagSet["key"] {
		cfg.KeyPath = *keyPath
	}

	if flagSet["position"] {
		cfg.Position = *position
	}

	if flagSet["bootstrap"] {
		cfg.Bootstrap = strings.Split(*bootstrap, ",")
	}

	if flagSet["recon-method"] {
		cfg.Repair.ReconMethod = *method
	}

	return cfg, nil
}

// repairConfig maps the configuration keys onto the engine config,
// falling back to engine defaults for unset values.
func (c *Config) repairConfig() (repair.Config, error) {
	out := repair.DefaultConfig()
	rc := c.Repair

	if rc.Enabled != nil {
		out.Enabled = *rc.Enabled
	}

	if rc.TriggerIntervalMS > 0 {
		out.TriggerInterval = time.Duration(rc.TriggerIntervalMS) * time.Millisecond
	}

	if rc.TriggerProbability > 0 {
		out.TriggerProbability = rc.TriggerProbability
	}

	if rc.ReconMethod != "" {
		m, err := repair.ParseMethod(rc.ReconMethod)
		if err != nil {
			return repair.Config{}, err
		}

		out.Method = m
	}

	if rc.RepairType != "" {
		rt, err := repair.ParseRepairType(rc.RepairType)
		if err != nil {
			return repair.Config{}, err
		}

		out.RepairType = rt
	}

	if rc.BloomFPR > 0 {
		out.BloomFPR = rc.BloomFPR
	}

	if rc.MaxItems > 0 {
		out.MaxItems = rc.MaxItems
	}

	if rc.ArtInnerFPR > 0 {
		out.ArtInnerFPR = rc.ArtInnerFPR
	}

	if rc.ArtLeafFPR > 0 {
		out.ArtLeafFPR = rc.ArtLeafFPR
	}

	if rc.ArtCorrection > 0 {
		out.ArtCorrection = rc.ArtCorrection
	}

	if rc.MerkleBranch > 0 {
		out.MerkleBranch = rc.MerkleBranch
	}

	if rc.MerkleBucket > 0 {
		out.MerkleBucket = rc.MerkleBucket
	}

	if rc.SessionTTLMS > 0 {
		out.SessionTTL = time.Duration(rc.SessionTTLMS) * time.Millisecond
	}

	if rc.GCIntervalMS > 0 {
		out.GCInterval = time.Duration(rc.GCIntervalMS) * time.Millisecond
	}

	return out, out.Validate()
}

// ringPosition resolves the node's ring position: the configured one, or a
// position derived from the public key.
func (c *Config) ringPosition() (ring.Key, error) {
	if c.Position == "" {
		return positionFromKey(c.PrivateKey.Public().(ed25519.PublicKey)), nil
	}

	raw, err := decodeHexKey(c.Position)
	if err != nil {
		return ring.Key{}, fmt.Errorf("parse position:\n%w", err)
	}

	return raw, nil
}

// loadOrGenerateKey loads the private key from file or generates a new
// one, persisting it when a path is given.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key:\n%w", err)
		}

		return priv, nil
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		_, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("generate key:\n%w", genErr)
		}

		if writeErr := os.WriteFile(keyPath, priv, 0600); writeErr != nil {
			return nil, fmt.Errorf("save key to %s:\n%w", keyPath, writeErr)
		}

		return priv, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}
