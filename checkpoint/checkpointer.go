package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Noofbiz/adaptune/model"
	"github.com/Noofbiz/adaptune/optim"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// File names inside a checkpoint directory.
const (
	ModelFile         = "model.gob"
	AdapterFile       = "adapter_model.gob"
	AdapterConfigFile = "adapter_config.json"
	RecipeStateFile   = "recipe_state.gob"
)

const formatVersion = 1

// IOError is a failure to read or write a checkpoint file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// SaveRequest is everything one checkpoint writes. Merged is nil for adapter
// only checkpoints; Optimizer is only set for intermediate (not Full) ones.
type SaveRequest struct {
	Dir           string
	Epoch         int
	Full          bool
	Adapter       model.Weights
	Merged        model.Weights
	AdapterConfig model.AdapterConfig
	Optimizer     *optim.State
	Progress      TrainingProgress
}

// Checkpointer reads the base weights of a run and writes its checkpoints
// under OutputDir.
type Checkpointer struct {
	// CheckpointDir holds the base model.gob.
	CheckpointDir string
	OutputDir     string

	// Resume makes LoadBase also read the adapter and recipe state of the
	// checkpoint directory RecipeCheckpoint points into.
	Resume           bool
	RecipeCheckpoint string
}

// LoadBase reads the base weights under ModelKey and, when resuming, the
// adapter weights under AdapterKey and the recipe state keys.
func (c *Checkpointer) LoadBase() (StateDict, error) {
	w, err := ReadWeights(filepath.Join(c.CheckpointDir, ModelFile))
	if err != nil {
		return nil, err
	}
	sd := StateDict{ModelKey: w}
	if !c.Resume {
		return sd, nil
	}
	if c.RecipeCheckpoint == "" {
		return nil, errors.New("resuming needs a recipe checkpoint path")
	}
	rs, err := readGob[StateDict](c.RecipeCheckpoint)
	if err != nil {
		return nil, err
	}
	for k, v := range rs {
		sd[k] = v
	}
	adapterPath := filepath.Join(filepath.Dir(c.RecipeCheckpoint), AdapterFile)
	if _, err := os.Stat(adapterPath); err == nil {
		a, err := ReadWeights(adapterPath)
		if err != nil {
			return nil, err
		}
		sd[AdapterKey] = a
	}
	return sd, nil
}

// Save writes req under OutputDir/req.Dir.
func (c *Checkpointer) Save(req SaveRequest) error {
	dir := filepath.Join(c.OutputDir, req.Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &IOError{Op: "mkdir", Path: dir, Err: err}
	}

	var total int64
	write := func(name string, fn func(io.Writer) error) error {
		n, err := writeAtomic(filepath.Join(dir, name), fn)
		total += n
		return err
	}
	if err := write(AdapterFile, gobEncoder(weightsFile{Version: formatVersion, Weights: req.Adapter})); err != nil {
		return err
	}
	if err := write(AdapterConfigFile, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(req.AdapterConfig)
	}); err != nil {
		return err
	}
	if req.Merged != nil {
		if err := write(ModelFile, gobEncoder(weightsFile{Version: formatVersion, Weights: req.Merged})); err != nil {
			return err
		}
	}
	if !req.Full {
		sd := req.Progress.StateDict()
		if req.Optimizer != nil {
			sd[OptimizerKey] = *req.Optimizer
		}
		if err := write(RecipeStateFile, gobEncoder(sd)); err != nil {
			return err
		}
	}
	klog.Infof("Saved checkpoint %s (epoch %d, step %d, full=%v): %s", dir, req.Epoch, req.Progress.GlobalStep, req.Full, humanize.Bytes(uint64(total)))
	return nil
}

type weightsFile struct {
	Version int
	Weights model.Weights
}

// WriteWeights writes a standalone weights file.
func WriteWeights(path string, w model.Weights) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &IOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	_, err := writeAtomic(path, gobEncoder(weightsFile{Version: formatVersion, Weights: w}))
	return err
}

// ReadWeights reads a weights file written by WriteWeights or Save.
func ReadWeights(path string) (model.Weights, error) {
	wf, err := readGob[weightsFile](path)
	if err != nil {
		return nil, err
	}
	if wf.Version != formatVersion {
		return nil, &IOError{Op: "read", Path: path, Err: errors.Errorf("format version %d, expected %d", wf.Version, formatVersion)}
	}
	return wf.Weights, nil
}

// ReadRecipeState reads the recipe state file of a checkpoint directory.
func ReadRecipeState(dir string) (StateDict, error) {
	return readGob[StateDict](filepath.Join(dir, RecipeStateFile))
}

func gobEncoder[T any](v T) func(io.Writer) error {
	return func(w io.Writer) error { return gob.NewEncoder(w).Encode(&v) }
}

func readGob[T any](path string) (T, error) {
	var v T
	fh, err := os.Open(path)
	if err != nil {
		return v, &IOError{Op: "open", Path: path, Err: err}
	}
	defer fh.Close()
	if err := gob.NewDecoder(fh).Decode(&v); err != nil {
		return v, &IOError{Op: "decode", Path: path, Err: err}
	}
	return v, nil
}

// writeAtomic writes path through a temp file in the same directory and
// renames it into place, returning the bytes written.
func writeAtomic(path string, fn func(io.Writer) error) (int64, error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return 0, &IOError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if err := fn(tmpFile); err != nil {
		return 0, &IOError{Op: "encode", Path: path, Err: err}
	}
	if err := tmpFile.Sync(); err != nil {
		klog.Warningf("sync %s: %v", tmpName, err)
	}
	info, err := tmpFile.Stat()
	if err != nil {
		return 0, &IOError{Op: "stat", Path: path, Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return 0, &IOError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, &IOError{Op: "rename", Path: path, Err: err}
	}
	return info.Size(), nil
}
