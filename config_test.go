package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExperimentConfigDefaults(t *testing.T) {
	cfg, _, err := ResolveExperimentConfig("train", nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultExperimentConfig(), *cfg)
}

func TestResolveExperimentConfigFlagsPassThroughUnchanged(t *testing.T) {
	cfg, _, err := ResolveExperimentConfig("train", []string{
		"-exp_name=rstnet",
		"-batch_size=50",
		"-workers=8",
		"-head=8",
		"-warmup=10000",
		"-features_path=/data/X101_grid_feats",
		"-train_json_path=/data/train.json",
		"-val_json_path=/data/val.json",
		"-test_json_path=/data/test.json",
		"-dir_to_save_model=/data/output",
	})
	require.NoError(t, err)

	assert.Equal(t, "rstnet", cfg.ExpName)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 8, cfg.Head)
	assert.Equal(t, 10000, cfg.Warmup)
	assert.Equal(t, "/data/X101_grid_feats", cfg.FeaturesPath)
	assert.Equal(t, "/data/train.json", cfg.TrainJSONPath)
	assert.Equal(t, "/data/val.json", cfg.ValJSONPath)
	assert.Equal(t, "/data/test.json", cfg.TestJSONPath)
	assert.Equal(t, "/data/output", cfg.DirToSaveModel)
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolveExperimentConfigManifest(t *testing.T) {
	path := writeManifest(t, `
exp_name: from_manifest
batch_size: 32
head: 4
features_path: /data/feats
`)

	cfg, _, err := ResolveExperimentConfig("train", []string{"-config=" + path})
	require.NoError(t, err)

	assert.Equal(t, "from_manifest", cfg.ExpName)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 4, cfg.Head)
	assert.Equal(t, "/data/feats", cfg.FeaturesPath)

	// Keys absent from the manifest keep their defaults.
	assert.Equal(t, DefaultExperimentConfig().Warmup, cfg.Warmup)
}

func TestResolveExperimentConfigFlagsBeatManifest(t *testing.T) {
	path := writeManifest(t, `
exp_name: from_manifest
batch_size: 32
`)

	cfg, _, err := ResolveExperimentConfig("train", []string{
		"-config=" + path,
		"-batch_size=64",
	})
	require.NoError(t, err)

	// Explicit flag wins; untouched manifest key survives.
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, "from_manifest", cfg.ExpName)
}

func TestResolveExperimentConfigRejectsInvalid(t *testing.T) {
	cases := [][]string{
		{"-batch_size=0"},
		{"-workers=-1"},
		{"-head=0"},
		{"-d_model=100", "-head=7"}, // not divisible
		{"-warmup=0"},
		{"-epochs=0"},
		{"-lr=-0.5"},
		{"-beam_size=0"},
		{"-exp_name="},
	}

	for _, args := range cases {
		_, _, err := ResolveExperimentConfig("train", args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestResolveExperimentConfigRejectsUnknownFlag(t *testing.T) {
	_, _, err := ResolveExperimentConfig("train", []string{"-no_such_option=1"})
	assert.Error(t, err)
}

func TestResolveExperimentConfigMissingManifest(t *testing.T) {
	_, _, err := ResolveExperimentConfig("train", []string{"-config=/no/such/file.yaml"})
	assert.Error(t, err)
}

func TestResolveExperimentConfigPositionalArgs(t *testing.T) {
	_, fs, err := ResolveExperimentConfig("caption", []string{"-beam_size=3", "42", "43"})
	require.NoError(t, err)

	assert.Equal(t, []string{"42", "43"}, fs.Args())
}

func TestModelConfigDerivation(t *testing.T) {
	cfg := DefaultExperimentConfig()
	cfg.DModel = 64
	cfg.Head = 4

	vocab := &Vocab{
		Itos:             []string{PadToken, BosToken, EosToken, UnkToken, "dog"},
		MaxCaptionLength: 17,
	}

	mcfg := cfg.ModelConfig(vocab, 2048)
	assert.Equal(t, 5, mcfg.VocabSize)
	assert.Equal(t, 17, mcfg.MaxLen)
	assert.Equal(t, 2048, mcfg.FeatDim)
	assert.Equal(t, 64, mcfg.DModel)
	assert.Equal(t, 4, mcfg.NumHeads)

	// An explicit max_len overrides the vocabulary's.
	cfg.MaxLen = 20
	assert.Equal(t, 20, cfg.ModelConfig(vocab, 2048).MaxLen)
}

func TestManifestRejectsMalformedYAML(t *testing.T) {
	cfg := DefaultExperimentConfig()
	path := writeManifest(t, "batch_size: [not an int")
	assert.Error(t, cfg.LoadManifest(path))
}
