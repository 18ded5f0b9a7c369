// Package config loads flowSettings.yaml, a map of named run profiles.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lox/tidestarget/internal/batch"
)

const DefaultProfile = "devConfig"

type Profile struct {
	Topic   string `yaml:"topic"`
	GroupID string `yaml:"groupID"`
	Broker  string `yaml:"broker"`

	LasairToken     string        `yaml:"lasairToken"`
	LasairTokenFile string        `yaml:"lasairTokenFile"`
	LasairURL       string        `yaml:"lasairURL"`
	CacheTTL        time.Duration `yaml:"cacheTTL"`

	SelectFunctionPath string `yaml:"selectFunctionPath"`
	SelectFunction     string `yaml:"selectFunction"`

	FollowupURL   string `yaml:"followupURL"`
	FollowupToken string `yaml:"followupToken"`

	DBPath          string        `yaml:"dbPath"`
	ChunkSize       int           `yaml:"chunkSize"`
	Workers         int           `yaml:"workers"`
	ScanTriggerDate bool          `yaml:"scanTriggerDate"`
	PollTimeout     time.Duration `yaml:"pollTimeout"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	PayloadDays     int           `yaml:"payloadRetentionDays"`
}

// Settings is the whole file, keyed by profile name.
type Settings map[string]Profile

func Load(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// LoadProfile reads path and returns the named profile with defaults applied.
// The profile is not validated; callers validate once overrides are in.
func LoadProfile(path, name string) (*Profile, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	p, ok := s[name]
	if !ok {
		names := make([]string, 0, len(s))
		for k := range s {
			names = append(names, k)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("profile %q not in %s (have %v)", name, path, names)
	}
	p.ApplyDefaults()
	return &p, nil
}

func (p *Profile) ApplyDefaults() {
	if p.ChunkSize == 0 {
		p.ChunkSize = batch.DefaultChunkSize
	}
	if p.Workers == 0 {
		p.Workers = 4
	}
	if p.PollTimeout == 0 {
		p.PollTimeout = 5 * time.Second
	}
	if p.PollInterval == 0 {
		p.PollInterval = 15 * time.Minute
	}
	if p.DBPath == "" {
		p.DBPath = "tidestarget.db"
	}
	if p.PayloadDays == 0 {
		p.PayloadDays = 30
	}
}

// ValidateStream checks the settings a broker-driven run needs.
func (p *Profile) ValidateStream() error {
	if p.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if p.GroupID == "" {
		return fmt.Errorf("groupID is required")
	}
	return p.ValidateClassify()
}

// ValidateClassify checks the settings any classification run needs.
func (p *Profile) ValidateClassify() error {
	if p.LasairToken == "" && p.LasairTokenFile == "" {
		return fmt.Errorf("lasairToken or lasairTokenFile is required")
	}
	if p.SelectFunctionPath == "" {
		return fmt.Errorf("selectFunctionPath is required")
	}
	if p.SelectFunction == "" {
		return fmt.Errorf("selectFunction is required")
	}
	if p.ChunkSize < 0 {
		return fmt.Errorf("chunkSize must not be negative")
	}
	if p.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if p.CacheTTL < 0 {
		return fmt.Errorf("cacheTTL must not be negative")
	}
	return nil
}

// Token returns the Lasair API token, reading LasairTokenFile when no
// literal token is set.
func (p *Profile) Token() (string, error) {
	if p.LasairToken != "" {
		return p.LasairToken, nil
	}
	if p.LasairTokenFile == "" {
		return "", fmt.Errorf("no lasair token configured")
	}
	return ReadTokenFile(p.LasairTokenFile)
}

// ReadTokenFile reads a YAML file of the form
//
//	lasair:
//	  token: abc123
func ReadTokenFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	var f struct {
		Lasair struct {
			Token string `yaml:"token"`
		} `yaml:"lasair"`
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("parse token file: %w", err)
	}
	if f.Lasair.Token == "" {
		return "", fmt.Errorf("%s: lasair.token is empty", path)
	}
	return f.Lasair.Token, nil
}
