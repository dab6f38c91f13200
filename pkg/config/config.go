// Package config loads the daemon configuration and the operator override file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/dpcd"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/linkservice"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/monitor"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/probe"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/sim"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/training"
)

const (
	// DefaultConfigPath ...
	DefaultConfigPath = "/etc/dplink/config.yaml"
	// DefaultMetricsAddress ...
	DefaultMetricsAddress = "0.0.0.0:9091"
	// DefaultReadyAddress ...
	DefaultReadyAddress = "0.0.0.0:8081"
	// DefaultStatusInterval is how often the link-state tree is logged.
	DefaultStatusInterval = 30 * time.Second
)

// Config ... the daemon configuration file
type Config struct {
	MetricsAddress string           `json:"metricsAddress,omitempty"`
	ReadyAddress   string           `json:"readyAddress,omitempty"`
	StatusInterval *metav1.Duration `json:"statusInterval,omitempty"`
	// OverrideFile is watched for operator overrides and preferred settings.
	OverrideFile string          `json:"overrideFile,omitempty"`
	Training     *TrainingConfig `json:"training,omitempty"`
	Probe        *ProbeConfig    `json:"probe,omitempty"`
	Monitor      *MonitorConfig  `json:"monitor,omitempty"`
	Displays     []DisplayConfig `json:"displays"`
}

// TrainingConfig ... training loop bounds
type TrainingConfig struct {
	MaxClockRecoveryIterations *int             `json:"maxClockRecoveryIterations,omitempty"`
	MaxSameVoltageSwingRetries *int             `json:"maxSameVoltageSwingRetries,omitempty"`
	MaxChannelEqRetries        *int             `json:"maxChannelEqRetries,omitempty"`
	PostLTAdjustLimit          *int             `json:"postLTAdjustLimit,omitempty"`
	PostLTAdjustPolls          *int             `json:"postLTAdjustPolls,omitempty"`
	PostLTAdjustPollInterval   *metav1.Duration `json:"postLTAdjustPollInterval,omitempty"`
}

// ProbeConfig ... transient retry policy
type ProbeConfig struct {
	TransientAttempts *int             `json:"transientAttempts,omitempty"`
	RetryDelayMin     *metav1.Duration `json:"retryDelayMin,omitempty"`
	RetryDelayMax     *metav1.Duration `json:"retryDelayMax,omitempty"`
}

// MonitorConfig ...
type MonitorConfig struct {
	// MisreportingPortTypes lists converter classes ("vga", "dvi", ...) that
	// signal hotplug without updating the sink count.
	MisreportingPortTypes []string         `json:"misreportingPortTypes,omitempty"`
	AutoRetrain           *bool            `json:"autoRetrain,omitempty"`
	FlapThreshold         *int             `json:"flapThreshold,omitempty"`
	FlapInterval          *metav1.Duration `json:"flapInterval,omitempty"`
}

// DisplayConfig ... one connector. Exactly one of AuxDevice and Sink is set.
type DisplayConfig struct {
	Name string `json:"name"`
	// AuxDevice is a /dev/drm_dp_aux* node, inspected read-only.
	AuxDevice string      `json:"auxDevice,omitempty"`
	Sink      *SinkConfig `json:"sink,omitempty"`
	// MaxPixelClockKHz bounds what the simulated display pipe accepts.
	MaxPixelClockKHz uint64        `json:"maxPixelClockKHz,omitempty"`
	Override         string        `json:"override,omitempty"`
	Preferred        string        `json:"preferred,omitempty"`
	Timing           *TimingConfig `json:"timing,omitempty"`
}

// SinkConfig ... a simulated sink
type SinkConfig struct {
	Revision                   string `json:"revision,omitempty"`
	MaxLinkRate                string `json:"maxLinkRate"`
	MaxLaneCount               int    `json:"maxLaneCount"`
	Downspread                 bool   `json:"downspread,omitempty"`
	TPS3                       bool   `json:"tps3,omitempty"`
	PostLTAdjust               bool   `json:"postLTAdjust,omitempty"`
	EnhancedFraming            bool   `json:"enhancedFraming,omitempty"`
	PSR                        bool   `json:"psr,omitempty"`
	Downstream                 string `json:"downstream,omitempty"`
	DownstreamMaxPixelClockKHz uint64 `json:"downstreamMaxPixelClockKHz,omitempty"`
	// TrainableCeiling makes every attempt above it fail, e.g. a marginal cable.
	TrainableCeiling string `json:"trainableCeiling,omitempty"`
}

// TimingConfig ... the stream enabled at startup
type TimingConfig struct {
	PixelClockKHz uint64 `json:"pixelClockKHz"`
	BitsPerColor  uint8  `json:"bitsPerColor"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	glog.Infof("loaded %d display(s) from %s", len(c.Displays), path)
	return c, nil
}

// Parse decodes a YAML configuration and fills in defaults.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetDefaults fills every unset optional field.
func (c *Config) SetDefaults() {
	if c.MetricsAddress == "" {
		c.MetricsAddress = DefaultMetricsAddress
	}
	if c.ReadyAddress == "" {
		c.ReadyAddress = DefaultReadyAddress
	}
	if c.StatusInterval == nil {
		c.StatusInterval = &metav1.Duration{Duration: DefaultStatusInterval}
	}
	if c.Training == nil {
		c.Training = &TrainingConfig{}
	}
	t := c.Training
	if t.MaxClockRecoveryIterations == nil {
		t.MaxClockRecoveryIterations = ptr.To(training.MaxClockRecoveryIterations)
	}
	if t.MaxSameVoltageSwingRetries == nil {
		t.MaxSameVoltageSwingRetries = ptr.To(training.MaxSameVoltageSwingRetries)
	}
	if t.MaxChannelEqRetries == nil {
		t.MaxChannelEqRetries = ptr.To(training.MaxChannelEqRetries)
	}
	if t.PostLTAdjustLimit == nil {
		t.PostLTAdjustLimit = ptr.To(training.PostLTAdjustLimit)
	}
	if t.PostLTAdjustPolls == nil {
		t.PostLTAdjustPolls = ptr.To(training.PostLTAdjustPolls)
	}
	if t.PostLTAdjustPollInterval == nil {
		t.PostLTAdjustPollInterval = &metav1.Duration{Duration: training.PostLTAdjustPollInterval}
	}

	if c.Probe == nil {
		c.Probe = &ProbeConfig{}
	}
	if c.Probe.TransientAttempts == nil {
		c.Probe.TransientAttempts = ptr.To(probe.TransientAttempts)
	}
	if c.Probe.RetryDelayMin == nil {
		c.Probe.RetryDelayMin = &metav1.Duration{Duration: probe.RetryDelayMin}
	}
	if c.Probe.RetryDelayMax == nil {
		c.Probe.RetryDelayMax = &metav1.Duration{Duration: probe.RetryDelayMax}
	}

	if c.Monitor == nil {
		c.Monitor = &MonitorConfig{}
	}
	if c.Monitor.MisreportingPortTypes == nil {
		for _, p := range monitor.DefaultMisreportingPortTypes {
			c.Monitor.MisreportingPortTypes = append(c.Monitor.MisreportingPortTypes, p.String())
		}
	}
	if c.Monitor.AutoRetrain == nil {
		c.Monitor.AutoRetrain = ptr.To(true)
	}
	if c.Monitor.FlapThreshold == nil {
		c.Monitor.FlapThreshold = ptr.To(linkservice.DefaultFlapThreshold)
	}
	if c.Monitor.FlapInterval == nil {
		c.Monitor.FlapInterval = &metav1.Duration{Duration: linkservice.DefaultFlapInterval}
	}
}

// Validate ...
func (c *Config) Validate() error {
	if len(c.Displays) == 0 {
		return fmt.Errorf("no displays configured")
	}
	seen := map[string]bool{}
	for i, d := range c.Displays {
		if d.Name == "" {
			return fmt.Errorf("display %d: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("display %s: duplicate name", d.Name)
		}
		seen[d.Name] = true
		if (d.AuxDevice == "") == (d.Sink == nil) {
			return fmt.Errorf("display %s: exactly one of auxDevice and sink must be set", d.Name)
		}
		if _, err := link.ParseSettings(d.Override); err != nil {
			return fmt.Errorf("display %s: override: %w", d.Name, err)
		}
		if _, err := link.ParseSettings(d.Preferred); err != nil {
			return fmt.Errorf("display %s: preferred: %w", d.Name, err)
		}
		if d.Sink != nil {
			if _, err := d.SimConfig(); err != nil {
				return fmt.Errorf("display %s: %w", d.Name, err)
			}
		}
		if d.Timing != nil && (d.Timing.PixelClockKHz == 0 || d.Timing.BitsPerColor == 0) {
			return fmt.Errorf("display %s: timing needs pixelClockKHz and bitsPerColor", d.Name)
		}
	}
	for _, p := range c.Monitor.MisreportingPortTypes {
		if dpcd.ParsePortType(p) == dpcd.PortTypeOther && p != dpcd.PortTypeOther.String() {
			return fmt.Errorf("monitor: unknown port type %q", p)
		}
	}
	return nil
}

// TrainingOptions ...
func (c *Config) TrainingOptions() training.Options {
	t := c.Training
	return training.Options{
		MaxClockRecoveryIterations: ptr.Deref(t.MaxClockRecoveryIterations, training.MaxClockRecoveryIterations),
		MaxSameVoltageSwingRetries: ptr.Deref(t.MaxSameVoltageSwingRetries, training.MaxSameVoltageSwingRetries),
		MaxChannelEqRetries:        ptr.Deref(t.MaxChannelEqRetries, training.MaxChannelEqRetries),
		PostLTAdjustLimit:          ptr.Deref(t.PostLTAdjustLimit, training.PostLTAdjustLimit),
		PostLTAdjustPolls:          ptr.Deref(t.PostLTAdjustPolls, training.PostLTAdjustPolls),
		PostLTAdjustPollInterval:   duration(t.PostLTAdjustPollInterval, training.PostLTAdjustPollInterval),
	}
}

// ProbeOptions ...
func (c *Config) ProbeOptions() probe.Options {
	return probe.Options{
		TransientAttempts: ptr.Deref(c.Probe.TransientAttempts, probe.TransientAttempts),
		RetryDelayMin:     duration(c.Probe.RetryDelayMin, probe.RetryDelayMin),
		RetryDelayMax:     duration(c.Probe.RetryDelayMax, probe.RetryDelayMax),
		RetryFactor:       probe.RetryFactor,
	}
}

// ServiceOptions builds the link service options shared by every display.
func (c *Config) ServiceOptions() linkservice.Options {
	var types []dpcd.PortType
	for _, p := range c.Monitor.MisreportingPortTypes {
		types = append(types, dpcd.ParsePortType(p))
	}
	return linkservice.Options{
		Training:      c.TrainingOptions(),
		Probe:         c.ProbeOptions(),
		Monitor:       monitor.Options{MisreportingPortTypes: types},
		AutoRetrain:   ptr.Deref(c.Monitor.AutoRetrain, true),
		FlapThreshold: ptr.Deref(c.Monitor.FlapThreshold, linkservice.DefaultFlapThreshold),
		FlapInterval:  duration(c.Monitor.FlapInterval, linkservice.DefaultFlapInterval),
	}
}

func duration(d *metav1.Duration, def time.Duration) time.Duration {
	if d == nil {
		return def
	}
	return d.Duration
}

// OverrideSettings ... parsed override, Unknown when unset
func (d DisplayConfig) OverrideSettings() link.Settings {
	s, _ := link.ParseSettings(d.Override)
	return s
}

// PreferredSettings ... parsed preferred settings, Unknown when unset
func (d DisplayConfig) PreferredSettings() link.Settings {
	s, _ := link.ParseSettings(d.Preferred)
	return s
}

// LinkTiming ...
func (d DisplayConfig) LinkTiming() (link.Timing, bool) {
	if d.Timing == nil {
		return link.Timing{}, false
	}
	return link.Timing{PixelClockKHz: d.Timing.PixelClockKHz, BitsPerColor: d.Timing.BitsPerColor}, true
}

// SimConfig converts the simulated sink description.
func (d DisplayConfig) SimConfig() (sim.SinkConfig, error) {
	s := d.Sink
	if s == nil {
		return sim.SinkConfig{}, fmt.Errorf("no simulated sink")
	}
	rate, err := link.ParseLinkRate(s.MaxLinkRate)
	if err != nil {
		return sim.SinkConfig{}, fmt.Errorf("sink: %w", err)
	}
	lanes := link.LaneCount(s.MaxLaneCount)
	if !lanes.Valid() {
		return sim.SinkConfig{}, fmt.Errorf("sink: bad lane count %d", s.MaxLaneCount)
	}
	rev, err := parseRevision(s.Revision)
	if err != nil {
		return sim.SinkConfig{}, fmt.Errorf("sink: %w", err)
	}
	cfg := sim.SinkConfig{
		Revision:        rev,
		Max:             link.Settings{LaneCount: lanes, LinkRate: rate},
		TPS3:            s.TPS3,
		PostLTAdjust:    s.PostLTAdjust,
		EnhancedFraming: s.EnhancedFraming,
		PSR:             s.PSR,
	}
	if s.Downspread {
		cfg.Max.Spread = link.SpreadEnabled
	}
	if s.Downstream != "" {
		cfg.Downstream = dpcd.DownstreamPort{
			Present:          true,
			Type:             dpcd.ParsePortType(s.Downstream),
			MaxPixelClockKHz: s.DownstreamMaxPixelClockKHz,
		}
	}
	if _, err := link.ParseSettings(s.TrainableCeiling); err != nil {
		return sim.SinkConfig{}, fmt.Errorf("sink: trainable ceiling: %w", err)
	}
	return cfg, nil
}

// TrainableCeiling ... Unknown when the simulated sink trains anything it reports
func (d DisplayConfig) TrainableCeiling() link.Settings {
	if d.Sink == nil {
		return link.Unknown
	}
	s, _ := link.ParseSettings(d.Sink.TrainableCeiling)
	return s
}

// parseRevision turns "1.2" into the DPCD_REV byte 0x12.
func parseRevision(s string) (byte, error) {
	if s == "" {
		return 0x12, nil
	}
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return 0, fmt.Errorf("revision %q: want major.minor", s)
	}
	ma, err := strconv.ParseUint(major, 10, 4)
	if err != nil {
		return 0, fmt.Errorf("revision %q: %w", s, err)
	}
	mi, err := strconv.ParseUint(minor, 10, 4)
	if err != nil {
		return 0, fmt.Errorf("revision %q: %w", s, err)
	}
	return byte(ma<<4 | mi), nil
}
