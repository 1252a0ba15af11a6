package main

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	udpfrontend "github.com/kasumi/kasumi/frontend/udp"
	"github.com/kasumi/kasumi/tracker"
)

// defaultBindAddr is used when the udp section names no bind address.
const defaultBindAddr = "[::]:6969"

// BindAddrs is a list of addresses to bind; the YAML form may be a single
// string or a sequence of strings.
type BindAddrs []string

// UnmarshalYAML implements yaml.Unmarshaler for BindAddrs.
func (b *BindAddrs) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*b = BindAddrs{single}
		return nil
	}

	var many []string
	if err := unmarshal(&many); err != nil {
		return err
	}
	if len(many) == 0 {
		return errors.New("bind requires at least one address")
	}
	*b = BindAddrs(many)
	return nil
}

// UDPConfig is the udp section of the configuration file: the bind addresses
// plus the knobs shared by every bound frontend.
type UDPConfig struct {
	Disable             bool      `yaml:"disable"`
	Bind                BindAddrs `yaml:"bind"`
	IPv6Only            bool      `yaml:"ipv6_only"`
	EnableRequestTiming bool      `yaml:"enable_request_timing"`
	MaxScrapeInfoHashes uint32    `yaml:"max_scrape_infohashes"`
}

// FrontendConfigs expands the section into one frontend config per bind
// address.
func (cfg UDPConfig) FrontendConfigs() []udpfrontend.Config {
	bind := cfg.Bind
	if len(bind) == 0 {
		bind = BindAddrs{defaultBindAddr}
	}

	configs := make([]udpfrontend.Config, 0, len(bind))
	for _, addr := range bind {
		configs = append(configs, udpfrontend.Config{
			Addr:                addr,
			IPv6Only:            cfg.IPv6Only,
			EnableRequestTiming: cfg.EnableRequestTiming,
			ParseOptions: udpfrontend.ParseOptions{
				MaxScrapeInfoHashes: cfg.MaxScrapeInfoHashes,
			},
		})
	}
	return configs
}

// ConfigFile represents a namespaced YAML configuration file.
type ConfigFile struct {
	Kasumi struct {
		PrometheusAddr string                 `yaml:"prometheus_addr"`
		Tracker        tracker.Config         `yaml:"tracker"`
		UDP            UDPConfig              `yaml:"udp"`
		Extensions     map[string]interface{} `yaml:"extensions"`
	} `yaml:"kasumi"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
// An empty path yields the built-in defaults.
func ParseConfigFile(path string) (*ConfigFile, error) {
	var cfgFile ConfigFile
	// tracker.Config.Validate keeps a zero max_interval (evict on every
	// sweep), so its 30 minute default is set here and survives decoding
	// whenever the file does not name max_interval.
	cfgFile.Kasumi.Tracker.PeerLifetime = 30 * time.Minute
	if path == "" {
		return &cfgFile, nil
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(contents, &cfgFile); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}

	return &cfgFile, nil
}
