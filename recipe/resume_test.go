package recipe

import (
	"errors"
	"testing"

	"github.com/Noofbiz/adaptune/checkpoint"
	"github.com/Noofbiz/adaptune/datasets"
)

func TestReconcile(t *testing.T) {
	saved := checkpoint.TrainingProgress{
		Seed:             11,
		EpochsRun:        1,
		TotalEpochs:      3,
		MaxStepsPerEpoch: ptr(5),
		GlobalStep:       5,
		DataloaderState:  datasets.LoaderState{Epoch: 1, Yielded: 0},
	}.StateDict()

	p := checkpoint.TrainingProgress{Seed: 4, TotalEpochs: 2}
	mismatches, err := Reconcile(&p, saved)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got := map[string]bool{}
	for _, m := range mismatches {
		got[m.Key] = m.UsedCheckpoint
	}
	want := map[string]bool{checkpoint.SeedKey: true, checkpoint.MaxStepsKey: true, checkpoint.TotalEpochsKey: false}
	if len(got) != len(want) {
		t.Fatalf("mismatches got %v want %v", got, want)
	}
	for k, v := range want {
		if used, ok := got[k]; !ok || used != v {
			t.Errorf("%s: reported %v used checkpoint %v, want used checkpoint %v", k, ok, used, v)
		}
	}

	if p.Seed != 11 || p.MaxStepsPerEpoch == nil || *p.MaxStepsPerEpoch != 5 {
		t.Errorf("seed and max steps should come from the checkpoint, got %d %v", p.Seed, p.MaxStepsPerEpoch)
	}
	if p.TotalEpochs != 2 {
		t.Errorf("total epochs should stay at the configured 2, got %d", p.TotalEpochs)
	}
	if p.EpochsRun != 1 || p.GlobalStep != 5 || p.DataloaderState.Epoch != 1 {
		t.Errorf("progress not restored: %+v", p)
	}
}

func TestReconcileMatchingConfig(t *testing.T) {
	p := checkpoint.TrainingProgress{Seed: 1, TotalEpochs: 2}
	saved := checkpoint.TrainingProgress{Seed: 1, TotalEpochs: 2, EpochsRun: 1, GlobalStep: 3}.StateDict()
	mismatches, err := Reconcile(&p, saved)
	if err != nil || len(mismatches) != 0 {
		t.Fatalf("got %v, %v; want no mismatches", mismatches, err)
	}
}

func TestReconcileMissingKey(t *testing.T) {
	saved := checkpoint.TrainingProgress{Seed: 1, TotalEpochs: 2}.StateDict()
	delete(saved, checkpoint.StepsRunKey)

	p := checkpoint.TrainingProgress{Seed: 1, TotalEpochs: 2}
	_, err := Reconcile(&p, saved)
	var integrity *CheckpointIntegrityError
	if !errors.As(err, &integrity) || integrity.Key != checkpoint.StepsRunKey {
		t.Fatalf("expected integrity error for %s, got %v", checkpoint.StepsRunKey, err)
	}
	if !errors.Is(err, checkpoint.ErrMissingKey) {
		t.Fatalf("integrity error should wrap ErrMissingKey, got %v", err)
	}
}
