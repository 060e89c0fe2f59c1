package repair

import (
	"fmt"
	"time"
)

// Method selects the reconciliation summary exchanged by a session.
type Method uint8

const (
	MethodBloom Method = iota + 1
	MethodMerkle
	MethodART
)

// ParseMethod maps a configuration string to a Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "bloom":
		return MethodBloom, nil
	case "merkle_tree":
		return MethodMerkle, nil
	case "art":
		return MethodART, nil
	default:
		return 0, fmt.Errorf("unknown reconciliation method %q", s)
	}
}

// String returns the configuration name of the method.
func (m Method) String() string {
	switch m {
	case MethodBloom:
		return "bloom"
	case MethodMerkle:
		return "merkle_tree"
	case MethodART:
		return "art"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

// RepairType tags what kinds of divergence a round heals: replacing stale
// entries, regenerating missing ones, or both.
type RepairType uint8

const (
	RepairMixed RepairType = iota
	RepairUpdate
	RepairRegen
)

// ParseRepairType maps a configuration string to a RepairType.
func ParseRepairType(s string) (RepairType, error) {
	switch s {
	case "mixed":
		return RepairMixed, nil
	case "update":
		return RepairUpdate, nil
	case "regen":
		return RepairRegen, nil
	default:
		return 0, fmt.Errorf("unknown repair type %q", s)
	}
}

// String returns the configuration name of the repair type.
func (t RepairType) String() string {
	switch t {
	case RepairUpdate:
		return "update"
	case RepairRegen:
		return "regen"
	default:
		return "mixed"
	}
}

// Config is the repair engine configuration. Sessions receive a copy at
// creation and never re-read it mid-round.
type Config struct {
	// Enabled is the master switch; a disabled engine ignores triggers.
	Enabled bool

	// TriggerInterval is the period between trigger events.
	TriggerInterval time.Duration

	// TriggerProbability is the percentage (0-100) of triggers that
	// actually start a session.
	TriggerProbability int

	// Method is the reconciliation method for triggered sessions.
	Method Method

	// RepairType selects what divergences triggered rounds heal.
	RepairType RepairType

	// BloomFPR is the false-positive rate of Bloom summaries.
	BloomFPR float64

	// MaxItems bounds the number of items summarised per round; larger
	// rounds are split into sequential parts.
	MaxItems int

	// ArtInnerFPR, ArtLeafFPR and ArtCorrection configure ART summaries.
	ArtInnerFPR   float64
	ArtLeafFPR    float64
	ArtCorrection float64

	// MerkleBranch and MerkleBucket configure Merkle summaries.
	MerkleBranch int
	MerkleBucket int

	// SessionTTL is the lifetime of a session before the sweeper collects
	// it. GCInterval is the sweep period.
	SessionTTL time.Duration
	GCInterval time.Duration

	// MaxSessions caps concurrently open sessions per node.
	MaxSessions int

	// MaxRetries bounds per-session retry attempts after transient
	// failures.
	MaxRetries int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		TriggerInterval:    10 * time.Second,
		TriggerProbability: 100,
		Method:             MethodMerkle,
		RepairType:         RepairMixed,
		BloomFPR:           0.01,
		MaxItems:           100_000,
		ArtInnerFPR:        0.001,
		ArtLeafFPR:         0.01,
		ArtCorrection:      2,
		MerkleBranch:       2,
		MerkleBucket:       64,
		SessionTTL:         100 * time.Second,
		GCInterval:         60 * time.Second,
		MaxSessions:        4,
		MaxRetries:         3,
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.TriggerProbability < 0 || c.TriggerProbability > 100 {
		return fmt.Errorf("trigger probability %d outside 0-100", c.TriggerProbability)
	}

	if c.BloomFPR <= 0 || c.BloomFPR >= 1 {
		return fmt.Errorf("bloom fpr %v outside (0, 1)", c.BloomFPR)
	}

	if c.MaxItems < 1 {
		return fmt.Errorf("max items must be positive")
	}

	if c.SessionTTL <= 0 || c.GCInterval <= 0 {
		return fmt.Errorf("session ttl and gc interval must be positive")
	}

	return nil
}
