package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// LengthRuleConfig bounds raw content size
type LengthRuleConfig struct {
	MaxChars int `yaml:"max_chars"`
	MinChars int `yaml:"min_chars"`
}

// SpamRuleConfig tunes repetition and link-flood detection
type SpamRuleConfig struct {
	MaxRepeatedChars int      `yaml:"max_repeated_chars"`
	MaxCapsRatio     float64  `yaml:"max_caps_ratio"`
	MaxLinks         int      `yaml:"max_links"`
	Phrases          []string `yaml:"phrases"`
}

// DenylistRuleConfig holds the profanity/denylist lexicon
type DenylistRuleConfig struct {
	Terms []string `yaml:"terms"`
}

// PIIRuleConfig controls detection and masking of personal data
type PIIRuleConfig struct {
	MaskPhone bool `yaml:"mask_phone"`
	MaskEmail bool `yaml:"mask_email"`
}

// InjectionRuleConfig holds prompt-injection phrase patterns
type InjectionRuleConfig struct {
	Patterns []string `yaml:"patterns"`
}

// HallucinationRuleConfig holds fabrication marker phrases
type HallucinationRuleConfig struct {
	Markers []string `yaml:"markers"`
}

// ToxicityRuleConfig holds hostile-language terms
type ToxicityRuleConfig struct {
	Terms []string `yaml:"terms"`
}

// BrandSafetyRuleConfig holds competitor names and restricted topics
type BrandSafetyRuleConfig struct {
	Competitors      []string `yaml:"competitors"`
	RestrictedTopics []string `yaml:"restricted_topics"`
}

// QualityRuleConfig bounds minimum acceptable output quality
type QualityRuleConfig struct {
	MinChars int `yaml:"min_chars"`
	MinWords int `yaml:"min_words"`
}

// RuleOverride allows per-rule enablement and severity tuning from config
type RuleOverride struct {
	Enabled  *bool  `yaml:"enabled"`
	Severity string `yaml:"severity"`
}

// GuardrailSettings represents the complete guardrails.yaml configuration
type GuardrailSettings struct {
	Length        LengthRuleConfig        `yaml:"length"`
	Spam          SpamRuleConfig          `yaml:"spam"`
	Denylist      DenylistRuleConfig      `yaml:"denylist"`
	PII           PIIRuleConfig           `yaml:"pii"`
	Injection     InjectionRuleConfig     `yaml:"injection"`
	Hallucination HallucinationRuleConfig `yaml:"hallucination"`
	Toxicity      ToxicityRuleConfig      `yaml:"toxicity"`
	BrandSafety   BrandSafetyRuleConfig   `yaml:"brand_safety"`
	Quality       QualityRuleConfig       `yaml:"quality"`

	Overrides map[string]RuleOverride `yaml:"overrides"`
}

var (
	guardrailSettings     *GuardrailSettings
	guardrailSettingsOnce sync.Once
	guardrailSettingsErr  error
	guardrailSettingsMu   sync.RWMutex
)

// LoadGuardrailSettings loads the guardrails.yaml configuration file.
// Missing files are not an error: rules fall back to built-in defaults.
func LoadGuardrailSettings() (*GuardrailSettings, error) {
	guardrailSettingsOnce.Do(func() {
		guardrailSettings, guardrailSettingsErr = loadGuardrailSettingsFromFile()
	})
	guardrailSettingsMu.RLock()
	defer guardrailSettingsMu.RUnlock()
	return guardrailSettings, guardrailSettingsErr
}

// ReloadGuardrailSettings re-reads guardrails.yaml, for hot-reload handlers.
func ReloadGuardrailSettings() (*GuardrailSettings, error) {
	settings, err := loadGuardrailSettingsFromFile()
	if err != nil {
		return nil, err
	}
	guardrailSettingsMu.Lock()
	guardrailSettings = settings
	guardrailSettingsErr = nil
	guardrailSettingsMu.Unlock()
	return settings, nil
}

// loadGuardrailSettingsFromFile loads guardrail settings from the config file
func loadGuardrailSettingsFromFile() (*GuardrailSettings, error) {
	cfgPath := os.Getenv("GUARDRAILS_CONFIG_PATH")
	if cfgPath == "" {
		// Try common paths
		candidates := []string{
			"/app/config/guardrails.yaml",
			"./config/guardrails.yaml",
			"../../config/guardrails.yaml",
			"../../../config/guardrails.yaml",
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
				break
			}
		}
		if cfgPath == "" {
			if found, ok := findUpGuardrailsConfig(); ok {
				cfgPath = found
			}
		}
	}

	if cfgPath == "" {
		// No file anywhere; every rule uses its built-in defaults
		return &GuardrailSettings{}, nil
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("read guardrails config %s: %w", cfgPath, err)
	}

	var settings GuardrailSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse guardrails config %s: %w", cfgPath, err)
	}

	return &settings, nil
}

func findUpGuardrailsConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "guardrails.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}
