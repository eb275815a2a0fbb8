package forensics

// Config holds the detector heuristics. None of the thresholds has a formal
// derivation; they are defaults pending re-tuning.
type Config struct {
	ELA      ELAConfig      `yaml:"ela"`
	Metadata MetadataConfig `yaml:"metadata"`
	Noise    NoiseConfig    `yaml:"noise"`
}

type ELAConfig struct {
	Quality      int     `yaml:"quality"`
	StdThreshold float64 `yaml:"std_threshold"`
}

type MetadataConfig struct {
	EditingKeywords []string `yaml:"editing_keywords"`
}

type NoiseConfig struct {
	MinVariance float64 `yaml:"min_variance"`
}

func DefaultConfig() Config {
	return Config{
		ELA: ELAConfig{
			Quality:      95,
			StdThreshold: 8.0,
		},
		Metadata: MetadataConfig{
			EditingKeywords: []string{
				"photoshop", "gimp", "stable diffusion",
				"dall-e", "midjourney", "firefly", "canva",
			},
		},
		Noise: NoiseConfig{
			MinVariance: 100,
		},
	}
}
