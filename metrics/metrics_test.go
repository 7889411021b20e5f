package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
)

type recordingSink struct {
	steps    []int
	closeErr error
	closed   bool
}

func (r *recordingSink) LogConfig(any) {}
func (r *recordingSink) LogDict(step int, _ map[string]float64) { r.steps = append(r.steps, step) }
func (r *recordingSink) Close() error { r.closed = true; return r.closeErr }

func TestMultiFansOut(t *testing.T) {
	boom := errors.New("boom")
	a, b := &recordingSink{closeErr: boom}, &recordingSink{}
	m := Multi{a, b, NewLogSink(logr.Discard())}
	m.LogConfig(map[string]int{"epochs": 1})
	m.LogDict(3, map[string]float64{"loss": 1})
	if len(a.steps) != 1 || len(b.steps) != 1 {
		t.Fatalf("not every sink received the step")
	}
	if err := m.Close(); !errors.Is(err, boom) {
		t.Fatalf("expected first close error, got %v", err)
	}
	if !b.closed {
		t.Fatalf("later sinks should still be closed")
	}
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "metrics.jsonl")
	s, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	s.LogConfig(map[string]string{"recipe": "kd"})
	s.LogDict(1, map[string]float64{"loss": 2.5})
	s.LogDict(2, map[string]float64{"loss": 2.0})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var recs []jsonlRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r jsonlRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		recs = append(recs, r)
	}
	if len(recs) != 3 || recs[0].Config == nil || recs[0].Step != nil {
		t.Fatalf("unexpected records %+v", recs)
	}
	if *recs[2].Step != 2 || recs[2].Metrics["loss"] != 2.0 {
		t.Fatalf("last record got %+v", recs[2])
	}
}

func TestPlotSinkWritesPNG(t *testing.T) {
	dir := t.TempDir()
	s := NewPlotSink(dir, "loss", "rewards/chosen")
	for step := 1; step <= 5; step++ {
		s.LogDict(step, map[string]float64{"loss": 1 / float64(step)})
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(s.PlotPath("loss")); err != nil {
		t.Fatalf("loss plot missing: %v", err)
	}
	if _, err := os.Stat(s.PlotPath("rewards/chosen")); !os.IsNotExist(err) {
		t.Fatalf("no plot expected for a metric without values")
	}
	if filepath.Base(s.PlotPath("rewards/chosen")) != "rewards_chosen.png" {
		t.Fatalf("unexpected plot name %s", s.PlotPath("rewards/chosen"))
	}
}

func TestProgressionSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), ProgressionFileName)
	s := NewProgressionSink(path, 2, 4)
	s.LogDict(5, map[string]float64{"loss": 0.5})

	var p Progression
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *p.CurrentStep != 5 || *p.TotalSteps != 8 || *p.CurrentEpoch != 1 || p.TrainingMetrics["loss"] != 0.5 {
		t.Fatalf("unexpected progression %+v", p)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, _ = os.ReadFile(path)
	_ = json.Unmarshal(data, &p)
	if p.Message != "training finished" || *p.CurrentStep != 5 {
		t.Fatalf("final status got %+v", p)
	}
}
