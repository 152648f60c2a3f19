package main

import (
	"flag"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ExperimentConfig describes one experiment: data locations, model shape,
// and training schedule. Values resolve in three layers, lowest precedence
// first: built-in defaults, the YAML manifest given with -config, then
// explicit command-line flags.
type ExperimentConfig struct {
	// Run identity and data locations.
	ExpName        string `yaml:"exp_name"`
	FeaturesPath   string `yaml:"features_path"`
	TrainJSONPath  string `yaml:"train_json_path"`
	ValJSONPath    string `yaml:"val_json_path"`
	TestJSONPath   string `yaml:"test_json_path"`
	DirToSaveModel string `yaml:"dir_to_save_model"`

	// Training schedule.
	BatchSize int     `yaml:"batch_size"`
	Workers   int     `yaml:"workers"`
	Warmup    int     `yaml:"warmup"`
	LR        float64 `yaml:"lr"`
	Epochs    int     `yaml:"epochs"`
	Patience  int     `yaml:"patience"`
	GradClip  float64 `yaml:"grad_clip"`
	Seed      int64   `yaml:"seed"`

	// Model shape.
	Head      int `yaml:"head"`
	EncLayers int `yaml:"enc_layers"`
	DecLayers int `yaml:"dec_layers"`
	DModel    int `yaml:"d_model"`
	DFF       int `yaml:"d_ff"`

	// Vocabulary and decoding.
	MinFreq  int `yaml:"min_freq"`
	MaxLen   int `yaml:"max_len"` // 0 means take the vocabulary's length
	BeamSize int `yaml:"beam_size"`

	LogLevel string `yaml:"log_level"`
}

// DefaultExperimentConfig returns the built-in defaults.
func DefaultExperimentConfig() ExperimentConfig {
	return ExperimentConfig{
		ExpName:        "baseline",
		DirToSaveModel: "saved_models",

		BatchSize: 50,
		Workers:   4,
		Warmup:    10000,
		LR:        1.0,
		Epochs:    20,
		Patience:  5,
		GradClip:  1.0,
		Seed:      42,

		Head:      8,
		EncLayers: 3,
		DecLayers: 3,
		DModel:    512,
		DFF:       2048,

		MinFreq:  5,
		BeamSize: 5,

		LogLevel: "info",
	}
}

// LoadManifest overlays a YAML manifest onto the config. Keys absent from
// the file keep their current values.
func (c *ExperimentConfig) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config manifest")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	return nil
}

// Validate reports the first invalid numeric setting.
func (c *ExperimentConfig) Validate() error {
	switch {
	case c.ExpName == "":
		return errors.New("exp_name must not be empty")
	case c.BatchSize < 1:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.Workers < 1:
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	case c.Head < 1:
		return errors.Errorf("head must be positive, got %d", c.Head)
	case c.DModel < 1 || c.DModel%c.Head != 0:
		return errors.Errorf("d_model %d must be positive and divisible by head %d", c.DModel, c.Head)
	case c.Warmup < 1:
		return errors.Errorf("warmup must be positive, got %d", c.Warmup)
	case c.Epochs < 1:
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.EncLayers < 1 || c.DecLayers < 1:
		return errors.Errorf("enc_layers/dec_layers must be positive, got %d/%d", c.EncLayers, c.DecLayers)
	case c.DFF < 1:
		return errors.Errorf("d_ff must be positive, got %d", c.DFF)
	case c.LR <= 0:
		return errors.Errorf("lr must be positive, got %g", c.LR)
	case c.MinFreq < 1:
		return errors.Errorf("min_freq must be positive, got %d", c.MinFreq)
	case c.BeamSize < 1:
		return errors.Errorf("beam_size must be positive, got %d", c.BeamSize)
	}
	return nil
}

// ModelConfig derives the architecture config for a given vocabulary and
// feature dimension.
func (c *ExperimentConfig) ModelConfig(vocab *Vocab, featDim int) ModelConfig {
	maxLen := c.MaxLen
	if maxLen == 0 {
		maxLen = vocab.MaxCaptionLength
	}

	return ModelConfig{
		VocabSize: vocab.Len(),
		MaxLen:    maxLen,
		FeatDim:   featDim,
		DModel:    c.DModel,
		NumHeads:  c.Head,
		EncLayers: c.EncLayers,
		DecLayers: c.DecLayers,
		FFHidden:  c.DFF,
	}
}

// registerFlags binds every recognized option to fields of cfg. Flag names
// match the launch-script option names exactly.
func registerFlags(fs *flag.FlagSet, cfg *ExperimentConfig) {
	fs.StringVar(&cfg.ExpName, "exp_name", cfg.ExpName, "Experiment name; prefixes checkpoint files")
	fs.StringVar(&cfg.FeaturesPath, "features_path", cfg.FeaturesPath, "Directory of per-image .npy region features")
	fs.StringVar(&cfg.TrainJSONPath, "train_json_path", cfg.TrainJSONPath, "Training split annotation JSON")
	fs.StringVar(&cfg.ValJSONPath, "val_json_path", cfg.ValJSONPath, "Validation split annotation JSON")
	fs.StringVar(&cfg.TestJSONPath, "test_json_path", cfg.TestJSONPath, "Test split annotation JSON")
	fs.StringVar(&cfg.DirToSaveModel, "dir_to_save_model", cfg.DirToSaveModel, "Checkpoint output directory")

	fs.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "Samples per training step")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Data-loading worker goroutines")
	fs.IntVar(&cfg.Warmup, "warmup", cfg.Warmup, "Learning-rate warmup steps")
	fs.Float64Var(&cfg.LR, "lr", cfg.LR, "Learning-rate scale factor")
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Training epochs")
	fs.IntVar(&cfg.Patience, "patience", cfg.Patience, "Epochs without improvement before early stop (0 disables)")
	fs.Float64Var(&cfg.GradClip, "grad_clip", cfg.GradClip, "Gradient clipping norm (0 disables)")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed")

	fs.IntVar(&cfg.Head, "head", cfg.Head, "Attention heads")
	fs.IntVar(&cfg.EncLayers, "enc_layers", cfg.EncLayers, "Encoder layers")
	fs.IntVar(&cfg.DecLayers, "dec_layers", cfg.DecLayers, "Decoder layers")
	fs.IntVar(&cfg.DModel, "d_model", cfg.DModel, "Model embedding dimension")
	fs.IntVar(&cfg.DFF, "d_ff", cfg.DFF, "Feed-forward hidden dimension")

	fs.IntVar(&cfg.MinFreq, "min_freq", cfg.MinFreq, "Minimum token frequency for the vocabulary")
	fs.IntVar(&cfg.MaxLen, "max_len", cfg.MaxLen, "Maximum caption length (0: from vocabulary)")
	fs.IntVar(&cfg.BeamSize, "beam_size", cfg.BeamSize, "Beam width for caption generation")

	fs.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "Log level (debug, info, warn, error)")
}

// ResolveExperimentConfig parses args into a fully resolved config:
// defaults, then the -config manifest, then explicit flags.
func ResolveExperimentConfig(name string, args []string) (*ExperimentConfig, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	flagCfg := DefaultExperimentConfig()
	configPath := fs.String("config", "", "YAML experiment manifest")
	registerFlags(fs, &flagCfg)

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg := DefaultExperimentConfig()
	if *configPath != "" {
		if err := cfg.LoadManifest(*configPath); err != nil {
			return nil, nil, err
		}
	}

	// Flags the user actually passed win over the manifest.
	appliers := flagAppliers()
	fs.Visit(func(f *flag.Flag) {
		if apply, ok := appliers[f.Name]; ok {
			apply(&cfg, &flagCfg)
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, fs, nil
}

// flagAppliers maps each flag name to a copy of its field from the
// flag-parsed config into the resolved config.
func flagAppliers() map[string]func(dst, src *ExperimentConfig) {
	return map[string]func(dst, src *ExperimentConfig){
		"exp_name":          func(d, s *ExperimentConfig) { d.ExpName = s.ExpName },
		"features_path":     func(d, s *ExperimentConfig) { d.FeaturesPath = s.FeaturesPath },
		"train_json_path":   func(d, s *ExperimentConfig) { d.TrainJSONPath = s.TrainJSONPath },
		"val_json_path":     func(d, s *ExperimentConfig) { d.ValJSONPath = s.ValJSONPath },
		"test_json_path":    func(d, s *ExperimentConfig) { d.TestJSONPath = s.TestJSONPath },
		"dir_to_save_model": func(d, s *ExperimentConfig) { d.DirToSaveModel = s.DirToSaveModel },
		"batch_size":        func(d, s *ExperimentConfig) { d.BatchSize = s.BatchSize },
		"workers":           func(d, s *ExperimentConfig) { d.Workers = s.Workers },
		"warmup":            func(d, s *ExperimentConfig) { d.Warmup = s.Warmup },
		"lr":                func(d, s *ExperimentConfig) { d.LR = s.LR },
		"epochs":            func(d, s *ExperimentConfig) { d.Epochs = s.Epochs },
		"patience":          func(d, s *ExperimentConfig) { d.Patience = s.Patience },
		"grad_clip":         func(d, s *ExperimentConfig) { d.GradClip = s.GradClip },
		"seed":              func(d, s *ExperimentConfig) { d.Seed = s.Seed },
		"head":              func(d, s *ExperimentConfig) { d.Head = s.Head },
		"enc_layers":        func(d, s *ExperimentConfig) { d.EncLayers = s.EncLayers },
		"dec_layers":        func(d, s *ExperimentConfig) { d.DecLayers = s.DecLayers },
		"d_model":           func(d, s *ExperimentConfig) { d.DModel = s.DModel },
		"d_ff":              func(d, s *ExperimentConfig) { d.DFF = s.DFF },
		"min_freq":          func(d, s *ExperimentConfig) { d.MinFreq = s.MinFreq },
		"max_len":           func(d, s *ExperimentConfig) { d.MaxLen = s.MaxLen },
		"beam_size":         func(d, s *ExperimentConfig) { d.BeamSize = s.BeamSize },
		"log_level":         func(d, s *ExperimentConfig) { d.LogLevel = s.LogLevel },
	}
}
