package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// JSONLSink appends one JSON object per call to a file: a config record
// first, then a record per logged step.
type JSONLSink struct {
	path string
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

type jsonlRecord struct {
	Time    time.Time          `json:"time"`
	Step    *int               `json:"step,omitempty"`
	Config  any                `json:"config,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "mkdir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open metrics file %s", path)
	}
	w := bufio.NewWriter(f)
	return &JSONLSink{path: path, f: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (s *JSONLSink) write(r jsonlRecord) {
	r.Time = time.Now().UTC()
	if err := s.enc.Encode(r); err != nil {
		klog.Warningf("metrics: writing %s: %v", s.path, err)
	}
}

func (s *JSONLSink) LogConfig(cfg any) { s.write(jsonlRecord{Config: cfg}) }

func (s *JSONLSink) LogDict(step int, values map[string]float64) {
	s.write(jsonlRecord{Step: &step, Metrics: values})
	if err := s.w.Flush(); err != nil {
		klog.Warningf("metrics: flushing %s: %v", s.path, err)
	}
}

func (s *JSONLSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return errors.Wrapf(err, "flush %s", s.path)
	}
	return s.f.Close()
}
