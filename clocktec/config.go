package clocktec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config collects every user facing option of the fit, validated up front
// so the pipeline itself never has to re-check combinations.
type Config struct {
	// RefStations are explicit reference station indices; empty selects
	// the superterp core cluster by name.
	RefStations []int `yaml:"ref_stations"`
	// FlagBadChannels iteratively drops channels whose cross time phase
	// scatter exceeds FlagCut times the average scatter.
	FlagBadChannels bool    `yaml:"flag_bad_channels"`
	FlagCut         float64 `yaml:"flag_cut"`
	// Chi2Cut is the acceptance threshold (degrees²) of the final pass;
	// CoarseChi2Cut the relaxed one of the residual gathering pass.
	Chi2Cut       float64 `yaml:"chi2_cut"`
	CoarseChi2Cut float64 `yaml:"coarse_chi2_cut"`
	// RemovePhaseWraps enables the spatial screen correction and the
	// second, strict fitting pass. Disabling it keeps the coarse result
	// plus the residual derived wrap offsets, trading accuracy for speed.
	RemovePhaseWraps bool `yaml:"remove_phase_wraps"`
	// CombinePol merges the polarizations before fitting: a complex
	// average for linear feeds, a plain sum for circular ones.
	CombinePol bool `yaml:"combine_pol"`
	Circular   bool `yaml:"circular"`
	// Fit3rdOrder adds the 1/ν³ ionospheric term.
	Fit3rdOrder bool `yaml:"fit_3rd_order"`
	// JumpHalfStep, JumpFullStep and DriftTolerance are the empirically
	// tuned jump suppression and drift gate constants of the fit engine.
	JumpHalfStep   float64 `yaml:"jump_half_step"`
	JumpFullStep   float64 `yaml:"jump_full_step"`
	DriftTolerance float64 `yaml:"drift_tolerance"`
	// MaskRange is the unwrap repair window in channels.
	MaskRange int `yaml:"mask_range"`
}

// DefaultConfig returns the operational defaults.
func DefaultConfig() Config {
	return Config{
		FlagBadChannels:  true,
		FlagCut:          1.5,
		Chi2Cut:          3e4,
		CoarseChi2Cut:    3e4,
		RemovePhaseWraps: true,
		JumpHalfStep:     0.5,
		JumpFullStep:     0.75,
		DriftTolerance:   0.3,
		MaskRange:        15,
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("clocktec: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects option combinations the pipeline cannot honour.
func (c Config) Validate() error {
	if c.FlagBadChannels && c.FlagCut <= 0 {
		return fmt.Errorf("clocktec: flag_cut must be positive, got %g", c.FlagCut)
	}
	if c.Chi2Cut <= 0 {
		return fmt.Errorf("clocktec: chi2_cut must be positive, got %g", c.Chi2Cut)
	}
	if c.CoarseChi2Cut <= 0 {
		return fmt.Errorf("clocktec: coarse_chi2_cut must be positive, got %g", c.CoarseChi2Cut)
	}
	if c.Circular && !c.CombinePol {
		return fmt.Errorf("clocktec: circular only applies when combining polarizations")
	}
	if c.JumpHalfStep <= 0 || c.JumpFullStep < c.JumpHalfStep {
		return fmt.Errorf("clocktec: jump thresholds must satisfy 0 < half <= full")
	}
	if c.DriftTolerance <= 0 {
		return fmt.Errorf("clocktec: drift_tolerance must be positive")
	}
	if c.MaskRange <= 0 {
		return fmt.Errorf("clocktec: mask_range must be positive")
	}
	for _, idx := range c.RefStations {
		if idx < 0 {
			return fmt.Errorf("clocktec: negative reference station index %d", idx)
		}
	}
	return nil
}
