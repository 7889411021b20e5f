package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"
)

// ProgressionFileName is the default name of the progression status file.
const ProgressionFileName = "training_progression.json"

// Progression is the status file format understood by the Kubeflow trainer's
// progression probe.
type Progression struct {
	CurrentStep     *int64         `json:"current_step,omitempty"`
	TotalSteps      *int64         `json:"total_steps,omitempty"`
	CurrentEpoch    *int64         `json:"current_epoch,omitempty"`
	TotalEpochs     *int64         `json:"total_epochs,omitempty"`
	Message         string         `json:"message,omitempty"`
	TrainingMetrics map[string]any `json:"training_metrics,omitempty"`
	Timestamp       int64          `json:"timestamp"`
	StartTime       *int64         `json:"start_time,omitempty"`
}

// ProgressionSink rewrites a progression status file after every logged
// step. The file is replaced atomically so a probe never reads a partial one.
type ProgressionSink struct {
	Path          string
	TotalEpochs   int
	StepsPerEpoch int

	start time.Time
	last  Progression
}

func NewProgressionSink(path string, totalEpochs, stepsPerEpoch int) *ProgressionSink {
	return &ProgressionSink{Path: path, TotalEpochs: totalEpochs, StepsPerEpoch: stepsPerEpoch, start: time.Now()}
}

func ptr(v int64) *int64 { return &v }

func (s *ProgressionSink) LogConfig(any) {}

func (s *ProgressionSink) LogDict(step int, values map[string]float64) {
	p := Progression{
		CurrentStep:     ptr(int64(step)),
		TotalSteps:      ptr(int64(s.TotalEpochs * s.StepsPerEpoch)),
		TotalEpochs:     ptr(int64(s.TotalEpochs)),
		TrainingMetrics: make(map[string]any, len(values)),
		Timestamp:       time.Now().Unix(),
		StartTime:       ptr(s.start.Unix()),
	}
	if s.StepsPerEpoch > 0 {
		p.CurrentEpoch = ptr(int64((step - 1) / s.StepsPerEpoch))
	}
	for k, v := range values {
		p.TrainingMetrics[k] = v
	}
	s.write(p)
}

// Close marks the run as finished.
func (s *ProgressionSink) Close() error {
	s.last.Message = "training finished"
	s.last.Timestamp = time.Now().Unix()
	s.write(s.last)
	return nil
}

func (s *ProgressionSink) write(p Progression) {
	s.last = p
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		klog.Warningf("progression: encode: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		klog.Warningf("progression: %v", err)
		return
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		klog.Warningf("progression: write %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		klog.Warningf("progression: rename %s: %v", tmp, err)
	}
}
