package main

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
)

// CheckpointMeta is the training state saved alongside the weights so a
// run can resume exactly where it stopped.
type CheckpointMeta struct {
	Model     ModelConfig `json:"model"`
	Epoch     int         `json:"epoch"`
	Step      int         `json:"step"`
	BestScore float64     `json:"best_score"`
	BadEpochs int         `json:"bad_epochs"`
	AdamT     int         `json:"adam_t"`
}

// SaveCheckpoint writes model weights plus optimizer state. Format: a
// 4-byte little-endian header length, a JSON CheckpointMeta header, the
// model tensors, then the Adam first- and second-moment tensors, all in
// Parameters() order.
//
// The file is written to a temp path and renamed so a crash mid-write
// never clobbers the previous checkpoint.
func SaveCheckpoint(path string, model *Captioner, opt *AdamOptimizer, meta CheckpointMeta) error {
	meta.Model = model.Config()
	meta.AdamT = opt.t

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "creating checkpoint file")
	}
	defer f.Close()

	header, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "marshaling checkpoint meta")
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(header))); err != nil {
		return errors.Wrap(err, "writing header length")
	}
	if _, err := f.Write(header); err != nil {
		return errors.Wrap(err, "writing header")
	}

	if err := model.WriteTensors(f); err != nil {
		return errors.Wrap(err, "writing model tensors")
	}
	for i, t := range opt.m {
		if err := binary.Write(f, binary.LittleEndian, t.data); err != nil {
			return errors.Wrapf(err, "writing adam m[%d]", i)
		}
	}
	for i, t := range opt.v {
		if err := binary.Write(f, binary.LittleEndian, t.data); err != nil {
			return errors.Wrapf(err, "writing adam v[%d]", i)
		}
	}

	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing checkpoint file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "renaming checkpoint file")
	}
	return nil
}

// LoadCheckpoint restores model weights and optimizer state in place. The
// model and optimizer must already have the architecture the checkpoint
// was written with; a mismatch is an error, not a silent reshape.
func LoadCheckpoint(path string, model *Captioner, opt *AdamOptimizer) (CheckpointMeta, error) {
	var meta CheckpointMeta

	f, err := os.Open(path)
	if err != nil {
		return meta, errors.Wrap(err, "opening checkpoint file")
	}
	defer f.Close()

	var headerLen uint32
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return meta, errors.Wrap(err, "reading header length")
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return meta, errors.Wrap(err, "reading header")
	}
	if err := json.Unmarshal(header, &meta); err != nil {
		return meta, errors.Wrap(err, "unmarshaling checkpoint meta")
	}

	if meta.Model != model.Config() {
		return meta, errors.Errorf("checkpoint architecture %+v does not match model %+v", meta.Model, model.Config())
	}

	if err := model.ReadTensors(f); err != nil {
		return meta, errors.Wrap(err, "reading model tensors")
	}
	for i, t := range opt.m {
		if err := binary.Read(f, binary.LittleEndian, t.data); err != nil {
			return meta, errors.Wrapf(err, "reading adam m[%d]", i)
		}
	}
	for i, t := range opt.v {
		if err := binary.Read(f, binary.LittleEndian, t.data); err != nil {
			return meta, errors.Wrapf(err, "reading adam v[%d]", i)
		}
	}
	opt.t = meta.AdamT

	return meta, nil
}

// LoadCheckpointModel reads just the model from a checkpoint, for
// evaluation and caption generation where optimizer state is irrelevant.
func LoadCheckpointModel(path string) (*Captioner, CheckpointMeta, error) {
	var meta CheckpointMeta

	f, err := os.Open(path)
	if err != nil {
		return nil, meta, errors.Wrap(err, "opening checkpoint file")
	}
	defer f.Close()

	var headerLen uint32
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, meta, errors.Wrap(err, "reading header length")
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, meta, errors.Wrap(err, "reading header")
	}
	if err := json.Unmarshal(header, &meta); err != nil {
		return nil, meta, errors.Wrap(err, "unmarshaling checkpoint meta")
	}
	if err := meta.Model.Validate(); err != nil {
		return nil, meta, errors.Wrap(err, "invalid checkpoint model config")
	}

	model := NewCaptioner(meta.Model)
	if err := model.ReadTensors(f); err != nil {
		return nil, meta, errors.Wrap(err, "reading model tensors")
	}

	return model, meta, nil
}
