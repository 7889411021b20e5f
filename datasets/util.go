package datasets

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// jsonlIndex holds the byte offset of every non-empty line of a JSONL file.
type jsonlIndex struct {
	path    string
	offsets []int64
}

// indexJSONL scans path once and records where each record starts.
func indexJSONL(path string) (*jsonlIndex, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer file.Close()

	idx := &jsonlIndex{path: path}
	reader := bufio.NewReader(file)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			idx.offsets = append(idx.offsets, offset)
		}
		offset += int64(len(line))
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to index %s", path)
		}
	}
	return idx, nil
}

func (x *jsonlIndex) Len() int { return len(x.offsets) }

// decode hands a decoder positioned at each requested record to out, along
// with the record's position in indices.
func (x *jsonlIndex) decode(indices []int, out func(pos int, dec *json.Decoder) error) error {
	file, err := os.Open(x.path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", x.path)
	}
	defer file.Close()

	for pos, i := range indices {
		if i < 0 || i >= len(x.offsets) {
			return errors.Errorf("index %d out of range [0, %d)", i, len(x.offsets))
		}
		if _, err := file.Seek(x.offsets[i], io.SeekStart); err != nil {
			return errors.Wrapf(err, "failed to seek to record %d", i)
		}
		if err := out(pos, json.NewDecoder(bufio.NewReader(file))); err != nil {
			return errors.Wrapf(err, "%s record %d", x.path, i)
		}
	}
	return nil
}

// writeJSONL writes one JSON record per line, atomically.
func writeJSONL[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jsonl-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			return errors.Wrap(err, "failed to encode record")
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func truncate(xs []int32, n int) []int32 {
	if n > 0 && len(xs) > n {
		return xs[:n]
	}
	return xs
}
