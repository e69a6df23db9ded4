package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigError reports a missing or invalid policy key. Fee work never starts
// against a policy that failed validation.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// Config is the full engine policy, loaded once per process and treated as
// immutable afterwards. Resolution order for tunable values is: per-channel
// override, then the matching global section, then the built-in default
// applied by normalize.
type Config struct {
	Engine      EngineConfig             `yaml:"engine"`
	Fees        FeesConfig               `yaml:"fees"`
	Thresholds  ThresholdsConfig         `yaml:"thresholds"`
	Timing      TimingConfig             `yaml:"timing"`
	HTLC        HTLCConfig               `yaml:"htlc"`
	Alpha       AlphaConfig              `yaml:"alpha"`
	InboundFees InboundFeesConfig        `yaml:"inbound_fees"`
	Risk        RiskConfig               `yaml:"risk"`
	Rules       RulesConfig              `yaml:"rules"`
	Channels    map[string]ChannelConfig `yaml:"channels"`
}

type EngineConfig struct {
	StateFile           string    `yaml:"state_file"`
	StateBackups        int       `yaml:"state_backups"`
	HTLCStreamFile      string    `yaml:"htlc_stream_file"`
	HTLCBufferFile      string    `yaml:"htlc_buffer_file"`
	ChangeLogFile       string    `yaml:"change_log_file"`
	RecommendationsFile string    `yaml:"recommendations_file"`
	IntervalMins        int       `yaml:"interval_mins"`
	ExpiryMins          int       `yaml:"expiry_mins"`
	FetchTimeoutSecs    int       `yaml:"fetch_timeout_secs"`
	ListenAddr          string    `yaml:"listen_addr"`
	LND                 LNDConfig `yaml:"lnd"`
}

type LNDConfig struct {
	RestURL      string `yaml:"rest_url"`
	TLSCertPath  string `yaml:"tls_cert_path"`
	MacaroonPath string `yaml:"macaroon_path"`
}

type FeesConfig struct {
	IncrementPpm int     `yaml:"increment_ppm"`
	MinPpm       int     `yaml:"min_ppm"`
	MaxPpm       int     `yaml:"max_ppm"`
	BumpMax      int     `yaml:"bump_max"`
	MinMaxRatio  float64 `yaml:"min_max_ratio"`
}

// DeltaConfig drives the dynamic delta threshold for growth/decay rules:
// a base value adjusted by layered bonuses and penalties, clamped to
// [MinDelta, MaxDelta].
type DeltaConfig struct {
	BaseDelta             float64 `yaml:"base_delta"`
	RoleFlipDays          int     `yaml:"role_flip_days"`
	RoleFlipBonus         float64 `yaml:"role_flip_bonus"`
	HighEmaDeltaThreshold float64 `yaml:"high_ema_delta_threshold"`
	HighRevDeltaThreshold float64 `yaml:"high_rev_delta_threshold"`
	HighDeltaBonus        float64 `yaml:"high_delta_bonus"`
	MidStreakMin          int     `yaml:"mid_streak_min"`
	MidStreakMax          int     `yaml:"mid_streak_max"`
	MidStreakBonus        float64 `yaml:"mid_streak_bonus"`
	HighStreakBonus       float64 `yaml:"high_streak_bonus"`
	EarlyStreakMax        int     `yaml:"early_streak_max"`
	EarlyStreakPenalty    float64 `yaml:"early_streak_penalty"`
	ZeroEmaCountThreshold int     `yaml:"zero_ema_count_threshold"`
	ZeroEmaPenalty        float64 `yaml:"zero_ema_penalty"`
	MinDelta              float64 `yaml:"min_delta"`
	MaxDelta              float64 `yaml:"max_delta"`
}

type ThresholdsConfig struct {
	RoleRatio     float64     `yaml:"role_ratio"`
	Revenue       float64     `yaml:"revenue"`
	SinkEmaTarget int64       `yaml:"sink_ema_target"`
	Delta         DeltaConfig `yaml:"delta"`
}

type TimingConfig struct {
	CooldownHours       int `yaml:"cooldown_hours"`
	FeeBackoffHours     int `yaml:"fee_backoff_hours"`
	FailedBumpFlagHours int `yaml:"failed_bump_flag_hours"`
	FetchIntervalSecs   int `yaml:"fetch_interval_secs"`
}

type HTLCConfig struct {
	FailedHTLCThreshold    int     `yaml:"failed_htlc_threshold"`
	ReserveDeduction       float64 `yaml:"reserve_deduction"`
	MinCapacity            float64 `yaml:"min_capacity"`
	FailShortTerm          float64 `yaml:"fail_short_term"`
	FailShortTermThreshold int     `yaml:"fail_short_term_threshold"`
	FailLongTerm           float64 `yaml:"fail_long_term"`
}

// AlphaConfig holds the EMA smoothing weights per horizon for each of the
// adaptive regimes (recent role flip, zero-EMA streak, sustained bump
// streak, balanced default).
type AlphaConfig struct {
	Weighted1d float64 `yaml:"weighted_1d"`
	Weighted5d float64 `yaml:"weighted_5d"`
	Weighted7d float64 `yaml:"weighted_7d"`

	Balanced1d float64 `yaml:"balanced_1d"`
	Balanced5d float64 `yaml:"balanced_5d"`
	Balanced7d float64 `yaml:"balanced_7d"`

	RoleFlipDays int `yaml:"role_flip_days"`
	MinRoleFlips int `yaml:"min_role_flips"`

	ZeroEmaTrigger int     `yaml:"zero_ema_trigger"`
	ZeroEma1dBoost float64 `yaml:"zero_ema_1d_boost"`
	ZeroEma5dBoost float64 `yaml:"zero_ema_5d_boost"`
	ZeroEma7dBoost float64 `yaml:"zero_ema_7d_boost"`
	ZeroEmaMax1d   float64 `yaml:"zero_ema_max_1d"`
	ZeroEmaMax5d   float64 `yaml:"zero_ema_max_5d"`
	ZeroEmaMax7d   float64 `yaml:"zero_ema_max_7d"`

	FeeBumpStreakThreshold int     `yaml:"fee_bump_streak_threshold"`
	FeeBumpDecay1d         float64 `yaml:"fee_bump_decay_1d"`
	FeeBumpDecay5d         float64 `yaml:"fee_bump_decay_5d"`
	FeeBumpDecay7d         float64 `yaml:"fee_bump_decay_7d"`
	FeeBumpMin1d           float64 `yaml:"fee_bump_min_1d"`
	FeeBumpMin5d           float64 `yaml:"fee_bump_min_5d"`
	FeeBumpMin7d           float64 `yaml:"fee_bump_min_7d"`
}

type InboundFeesConfig struct {
	MaxFeePpm    int     `yaml:"max_fee_ppm"`
	MinFeePpm    int     `yaml:"min_fee_ppm"`
	IncrementPpm int     `yaml:"increment_ppm"`
	SinkPct      float64 `yaml:"sink_pct"`
	TapPct       float64 `yaml:"tap_pct"`
	RiskHigh     float64 `yaml:"risk_high"`
	RiskLow      float64 `yaml:"risk_low"`
}

// RiskConfig collects the sink-risk scoring constants. The static set is
// used until a channel has MinHistory samples; after that the score is
// driven by rolling mean/std comparisons.
type RiskConfig struct {
	MinHistory     int     `yaml:"min_history"`
	DecayStep      float64 `yaml:"decay_step"`
	StaticEmaLow   float64 `yaml:"static_ema_low"`
	StaticEmaHigh  float64 `yaml:"static_ema_high"`
	StaticRevLow   float64 `yaml:"static_rev_low"`
	StaticRevHigh  float64 `yaml:"static_rev_high"`
	OverrideHigh   float64 `yaml:"override_high"`
	OverrideLow    float64 `yaml:"override_low"`
	OverrideCycles int     `yaml:"override_cycles"`
}

type RulesConfig struct {
	SinkGuardDisabled   []string `yaml:"sink_guard_disabled"`
	InboundFeesDisabled []string `yaml:"inbound_fees_disabled"`
}

// ChannelConfig is one managed channel group. Peer is the alias fragment
// used for forwarding attribution; the section key names the group in the
// state file and recommendation map.
type ChannelConfig struct {
	Peer          string `yaml:"peer"`
	NodeID        string `yaml:"node_id"`
	MinRangePpm   *int   `yaml:"min_range_ppm"`
	MaxRangePpm   *int   `yaml:"max_range_ppm"`
	InboundFeePpm *int   `yaml:"inbound_fee_ppm"`
	MaxFeePpm     *int   `yaml:"max_fee_ppm"`
	MinFeePpm     *int   `yaml:"min_fee_ppm"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	e := &c.Engine
	if e.StateBackups <= 0 {
		e.StateBackups = 1000
	}
	if e.IntervalMins <= 0 {
		e.IntervalMins = 30
	}
	if e.ExpiryMins <= 0 {
		e.ExpiryMins = 15
	}
	if e.FetchTimeoutSecs <= 0 {
		e.FetchTimeoutSecs = 30
	}

	f := &c.Fees
	if f.IncrementPpm <= 0 {
		f.IncrementPpm = 25
	}
	if f.MaxPpm <= 0 {
		f.MaxPpm = 2500
	}
	if f.BumpMax <= 0 {
		f.BumpMax = 400
	}
	if f.MinMaxRatio <= 0 {
		f.MinMaxRatio = 0.5
	}

	t := &c.Thresholds
	if t.RoleRatio <= 0 {
		t.RoleRatio = 2.0
	}
	if t.Revenue <= 0 {
		t.Revenue = 1.0
	}
	if t.SinkEmaTarget <= 0 {
		t.SinkEmaTarget = 500_000
	}
	d := &t.Delta
	if d.BaseDelta <= 0 {
		d.BaseDelta = 2.0
	}
	if d.RoleFlipDays <= 0 {
		d.RoleFlipDays = 3
	}
	if d.RoleFlipBonus <= 0 {
		d.RoleFlipBonus = 0.5
	}
	if d.HighEmaDeltaThreshold <= 0 {
		d.HighEmaDeltaThreshold = 100_000
	}
	if d.HighRevDeltaThreshold <= 0 {
		d.HighRevDeltaThreshold = 500
	}
	if d.HighDeltaBonus <= 0 {
		d.HighDeltaBonus = 0.3
	}
	if d.MidStreakMin <= 0 {
		d.MidStreakMin = 2
	}
	if d.MidStreakMax <= 0 {
		d.MidStreakMax = 4
	}
	if d.MidStreakBonus <= 0 {
		d.MidStreakBonus = 0.3
	}
	if d.HighStreakBonus <= 0 {
		d.HighStreakBonus = 0.5
	}
	if d.ZeroEmaCountThreshold <= 0 {
		d.ZeroEmaCountThreshold = 3
	}
	if d.MinDelta <= 0 {
		d.MinDelta = 0.8
	}
	if d.MaxDelta <= 0 {
		d.MaxDelta = 3.0
	}

	tm := &c.Timing
	if tm.CooldownHours <= 0 {
		tm.CooldownHours = 4
	}
	if tm.FeeBackoffHours <= 0 {
		tm.FeeBackoffHours = 12
	}
	if tm.FailedBumpFlagHours <= 0 {
		tm.FailedBumpFlagHours = 6
	}
	if tm.FetchIntervalSecs <= 0 {
		tm.FetchIntervalSecs = 1800
	}

	h := &c.HTLC
	if h.FailedHTLCThreshold <= 0 {
		h.FailedHTLCThreshold = 50
	}
	if h.ReserveDeduction <= 0 {
		h.ReserveDeduction = 0.01
	}
	if h.MinCapacity <= 0 {
		h.MinCapacity = 0.1
	}
	if h.FailShortTerm <= 0 {
		h.FailShortTerm = 0.4
	}
	if h.FailShortTermThreshold <= 0 {
		h.FailShortTermThreshold = 25
	}
	if h.FailLongTerm <= 0 {
		h.FailLongTerm = 0.3
	}

	a := &c.Alpha
	if a.Weighted1d <= 0 {
		a.Weighted1d = 0.6
	}
	if a.Weighted5d <= 0 {
		a.Weighted5d = 0.3
	}
	if a.Weighted7d <= 0 {
		a.Weighted7d = 0.15
	}
	if a.Balanced1d <= 0 {
		a.Balanced1d = 0.3
	}
	if a.Balanced5d <= 0 {
		a.Balanced5d = 0.15
	}
	if a.Balanced7d <= 0 {
		a.Balanced7d = 0.1
	}
	if a.RoleFlipDays <= 0 {
		a.RoleFlipDays = 3
	}
	if a.MinRoleFlips <= 0 {
		a.MinRoleFlips = 2
	}
	if a.ZeroEmaTrigger <= 0 {
		a.ZeroEmaTrigger = 3
	}
	if a.ZeroEma1dBoost <= 0 {
		a.ZeroEma1dBoost = 0.2
	}
	if a.ZeroEma5dBoost <= 0 {
		a.ZeroEma5dBoost = 0.1
	}
	if a.ZeroEma7dBoost <= 0 {
		a.ZeroEma7dBoost = 0.05
	}
	if a.ZeroEmaMax1d <= 0 {
		a.ZeroEmaMax1d = 0.8
	}
	if a.ZeroEmaMax5d <= 0 {
		a.ZeroEmaMax5d = 0.5
	}
	if a.ZeroEmaMax7d <= 0 {
		a.ZeroEmaMax7d = 0.3
	}
	if a.FeeBumpStreakThreshold <= 0 {
		a.FeeBumpStreakThreshold = 3
	}
	if a.FeeBumpDecay1d <= 0 {
		a.FeeBumpDecay1d = 0.1
	}
	if a.FeeBumpDecay5d <= 0 {
		a.FeeBumpDecay5d = 0.05
	}
	if a.FeeBumpDecay7d <= 0 {
		a.FeeBumpDecay7d = 0.05
	}
	if a.FeeBumpMin1d <= 0 {
		a.FeeBumpMin1d = 0.1
	}
	if a.FeeBumpMin5d <= 0 {
		a.FeeBumpMin5d = 0.05
	}
	if a.FeeBumpMin7d <= 0 {
		a.FeeBumpMin7d = 0.05
	}

	in := &c.InboundFees
	if in.MaxFeePpm <= 0 {
		in.MaxFeePpm = 1500
	}
	if in.MinFeePpm == 0 {
		in.MinFeePpm = -100
	}
	if in.IncrementPpm <= 0 {
		in.IncrementPpm = 25
	}
	if in.SinkPct <= 0 {
		in.SinkPct = 0.75
	}
	if in.TapPct <= 0 {
		in.TapPct = 0.25
	}
	if in.RiskHigh <= 0 {
		in.RiskHigh = 0.7
	}
	if in.RiskLow <= 0 {
		in.RiskLow = 0.3
	}

	r := &c.Risk
	if r.MinHistory <= 0 {
		r.MinHistory = 100
	}
	if r.DecayStep <= 0 {
		r.DecayStep = 0.05
	}
	if r.StaticEmaLow <= 0 {
		r.StaticEmaLow = 25_000
	}
	if r.StaticEmaHigh <= 0 {
		r.StaticEmaHigh = 50_000
	}
	if r.StaticRevLow <= 0 {
		r.StaticRevLow = 100
	}
	if r.StaticRevHigh <= 0 {
		r.StaticRevHigh = 500
	}
	if r.OverrideHigh <= 0 {
		r.OverrideHigh = 0.8
	}
	if r.OverrideLow <= 0 {
		r.OverrideLow = 0.2
	}
	if r.OverrideCycles <= 0 {
		r.OverrideCycles = 3
	}
}

func (c *Config) validate() error {
	if len(c.Channels) == 0 {
		return &ConfigError{Key: "channels", Reason: "at least one channel section is required"}
	}
	for name, ch := range c.Channels {
		if strings.TrimSpace(ch.Peer) == "" {
			return &ConfigError{Key: "channels." + name + ".peer", Reason: "alias fragment is required"}
		}
		if ch.MinRangePpm != nil && *ch.MinRangePpm < 0 {
			return &ConfigError{Key: "channels." + name + ".min_range_ppm", Reason: "must be >= 0"}
		}
		if ch.MinRangePpm != nil && ch.MaxRangePpm != nil && *ch.MinRangePpm > *ch.MaxRangePpm {
			return &ConfigError{Key: "channels." + name, Reason: "min_range_ppm exceeds max_range_ppm"}
		}
	}
	if strings.TrimSpace(c.Engine.StateFile) == "" {
		return &ConfigError{Key: "engine.state_file", Reason: "path is required"}
	}
	if strings.TrimSpace(c.Engine.HTLCBufferFile) == "" {
		return &ConfigError{Key: "engine.htlc_buffer_file", Reason: "path is required"}
	}
	if c.Fees.MinPpm < 0 {
		return &ConfigError{Key: "fees.min_ppm", Reason: "must be >= 0"}
	}
	if c.Fees.MinPpm > c.Fees.MaxPpm {
		return &ConfigError{Key: "fees", Reason: "min_ppm exceeds max_ppm"}
	}
	return nil
}

// Interval returns the batch cycle cadence.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Engine.IntervalMins) * time.Minute
}

// Expiry returns the correlator pending-attempt expiry window.
func (c *Config) Expiry() time.Duration {
	return time.Duration(c.Engine.ExpiryMins) * time.Minute
}

// FetchTimeout bounds calls to the external data-fetch collaborators.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Engine.FetchTimeoutSecs) * time.Second
}

// SinkGuardDisabled reports whether the alias is exempt from sink guards.
func (c *Config) SinkGuardDisabled(alias string) bool {
	return containsFold(c.Rules.SinkGuardDisabled, alias)
}

// InboundFeesDisabled reports whether inbound fee rules are disabled for the alias.
func (c *Config) InboundFeesDisabled(alias string) bool {
	return containsFold(c.Rules.InboundFeesDisabled, alias)
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(value)) {
			return true
		}
	}
	return false
}
