package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ydb-platform/udev-monitor/internal/annotate"
	"github.com/ydb-platform/udev-monitor/internal/discovery"
	"github.com/ydb-platform/udev-monitor/internal/mux"
	"github.com/ydb-platform/udev-monitor/internal/udev"
)

type configSource interface {
	String() string
	open() (io.Reader, func() error, error)
}

type fileConfigSource struct {
	path string
}

func (fcs *fileConfigSource) open() (io.Reader, func() error, error) {
	file, err := os.Open(fcs.path)
	if err != nil {
		return nil, nil, err
	}
	return file, file.Close, nil
}

func (fcs *fileConfigSource) String() string {
	return "file:" + fcs.path
}

type envConfigSource struct {
	variable string
}

func (ecs *envConfigSource) open() (io.Reader, func() error, error) {
	data := os.Getenv(ecs.variable)
	if data == "" {
		return nil, nil, fmt.Errorf("config: environment variable %s is not set", ecs.variable)
	}
	return strings.NewReader(data), func() error { return nil }, nil
}

func (ecs *envConfigSource) String() string {
	return "env:" + ecs.variable
}

type stdinConfigSource struct{}

func (scs *stdinConfigSource) open() (io.Reader, func() error, error) {
	return os.Stdin, func() error { return nil }, nil
}

func (scs *stdinConfigSource) String() string {
	return "stdin"
}

// ConfigFlag selects where the configuration is read from. Without it the
// monitor follows every udev event.
type ConfigFlag struct {
	configSource
}

func (cf *ConfigFlag) Set(value string) error {
	switch {
	case strings.HasPrefix(value, "file:"):
		cf.configSource = &fileConfigSource{path: strings.TrimPrefix(value, "file:")}
	case strings.HasPrefix(value, "env:"):
		cf.configSource = &envConfigSource{variable: strings.TrimPrefix(value, "env:")}
	case value == "stdin":
		cf.configSource = &stdinConfigSource{}
	default:
		return fmt.Errorf("invalid config source: %s", value)
	}
	return nil
}

func (cf *ConfigFlag) String() string {
	if cf.configSource == nil {
		return ""
	}
	return cf.configSource.String()
}

// load reads and validates the configuration from the selected source.
func (cf *ConfigFlag) load() (*Config, error) {
	if cf.configSource == nil {
		return defaultConfig(), nil
	}

	reader, closer, err := cf.open()
	if err != nil {
		return nil, err
	}
	defer closer()

	return parseConfig(reader)
}

type RuleConfig struct {
	Subsystem string `yaml:"subsystem"`
	Devtype   string `yaml:"devtype,omitempty"`
	Matcher   string `yaml:"matcher,omitempty"` // regular expression on the device sysname

	matcher *regexp.Regexp // compiled matcher if the config is valid
}

func (rc *RuleConfig) validate() error {
	var errs error
	if rc.Subsystem == "" {
		errs = errors.Join(errs, fmt.Errorf(".subsystem: must be set"))
	}
	if rc.Matcher != "" {
		matcher, err := regexp.Compile(rc.Matcher)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf(".matcher: %q must be a valid regexp: %w", rc.Matcher, err))
		}
		rc.matcher = matcher
	}
	return errs
}

func (rc *RuleConfig) matches(dev udev.Device) bool {
	if dev.Subsystem() != rc.Subsystem {
		return false
	}
	if rc.Devtype != "" {
		if devtype, ok := dev.Devtype(); !ok || devtype != rc.Devtype {
			return false
		}
	}
	return rc.matcher == nil || rc.matcher.MatchString(dev.Sysname())
}

// MatcherConfig enables an annotator. The matcher selects devices by name;
// its capture groups form the reported label.
type MatcherConfig struct {
	Matcher string `yaml:"matcher,omitempty"`

	matcher *regexp.Regexp
}

func (mc *MatcherConfig) validate() error {
	if mc.Matcher == "" {
		return nil
	}
	matcher, err := regexp.Compile(mc.Matcher)
	if err != nil {
		return fmt.Errorf(".matcher: %q must be a valid regexp: %w", mc.Matcher, err)
	}
	mc.matcher = matcher
	return nil
}

type AnnotateConfig struct {
	Net        *MatcherConfig `yaml:"net,omitempty"`
	RDMA       *MatcherConfig `yaml:"rdma,omitempty"`
	Partitions *MatcherConfig `yaml:"partitions,omitempty"`
}

func (ac *AnnotateConfig) validate() error {
	var errs error
	for name, mc := range map[string]*MatcherConfig{"net": ac.Net, "rdma": ac.RDMA, "partitions": ac.Partitions} {
		if mc == nil {
			continue
		}
		if err := mc.validate(); err != nil {
			errs = errors.Join(errs, fmt.Errorf(".%s%w", name, err))
		}
	}
	return errs
}

func (ac *AnnotateConfig) annotator(sysattr annotate.SysattrFunc) annotate.Annotator {
	var annotators []annotate.Annotator
	if ac.Net != nil {
		annotators = append(annotators, annotate.NetLink(ac.Net.matcher, sysattr))
	}
	if ac.RDMA != nil {
		annotators = append(annotators, annotate.RDMA(ac.RDMA.matcher))
	}
	if ac.Partitions != nil {
		annotators = append(annotators, annotate.Partition(ac.Partitions.matcher, sysattr))
	}
	if len(annotators) == 0 {
		return nil
	}
	return annotate.Chain(annotators...)
}

type Config struct {
	Source            string         `yaml:"source"`
	ReceiveBufferSize int            `yaml:"receiveBufferSize"`
	PollTimeout       time.Duration  `yaml:"pollTimeout"`
	Rules             []RuleConfig   `yaml:"rules"`
	Tags              []string       `yaml:"tags"`
	Listen            string         `yaml:"listen"`
	Origins           []string       `yaml:"origins"` // extra websocket origins, path.Match patterns
	Record            string         `yaml:"record"`
	Annotate          AnnotateConfig `yaml:"annotate"`

	source udev.Source
}

func defaultConfig() *Config {
	return &Config{
		Source: udev.SourceUdev.String(),
		source: udev.SourceUdev,
	}
}

func (c *Config) validate() error {
	var errs error

	if c.Source == "" {
		c.Source = udev.SourceUdev.String()
	}
	source, err := udev.ParseSource(c.Source)
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf(".source: %q must be %q or %q", c.Source, udev.SourceUdev, udev.SourceKernel))
	}
	c.source = source

	if c.ReceiveBufferSize < 0 {
		errs = errors.Join(errs, fmt.Errorf(".receiveBufferSize: must not be negative"))
	}
	if c.PollTimeout < 0 {
		errs = errors.Join(errs, fmt.Errorf(".pollTimeout: must not be negative"))
	}

	for i := range c.Rules {
		if err := c.Rules[i].validate(); err != nil {
			errs = errors.Join(errs, fmt.Errorf(".rules[%d]%w", i, err))
		}
	}

	for i, tag := range c.Tags {
		if tag == "" {
			errs = errors.Join(errs, fmt.Errorf(".tags[%d]: must not be empty", i))
		}
	}
	if len(c.Tags) > 0 && c.source == udev.SourceKernel {
		errs = errors.Join(errs, fmt.Errorf(".tags: kernel events carry no tags"))
	}

	for i, origin := range c.Origins {
		if _, err := path.Match(origin, ""); origin == "" || err != nil {
			errs = errors.Join(errs, fmt.Errorf(".origins[%d]: %q is not a valid host pattern", i, origin))
		}
	}

	if err := c.Annotate.validate(); err != nil {
		errs = errors.Join(errs, fmt.Errorf(".annotate%w", err))
	}

	return errs
}

func (c *Config) discovery() discovery.Config {
	cfg := discovery.Config{
		Source:            c.source,
		ReceiveBufferSize: c.ReceiveBufferSize,
		Tags:              c.Tags,
		PollTimeout:       c.PollTimeout,
	}
	for _, r := range c.Rules {
		cfg.Rules = append(cfg.Rules, discovery.Rule{Subsystem: r.Subsystem, Devtype: r.Devtype})
	}
	return cfg
}

// filter narrows the printed devices further than the monitor can, using
// the name matchers.
func (c *Config) filter() mux.FilterFunc[udev.Device] {
	if len(c.Rules) == 0 {
		return mux.Any[udev.Device]()
	}

	filters := make([]mux.FilterFunc[udev.Device], 0, len(c.Rules))
	for i := range c.Rules {
		filters = append(filters, c.Rules[i].matches)
	}
	return mux.Or(filters...)
}

func parseConfig(reader io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	config := &Config{}
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}
