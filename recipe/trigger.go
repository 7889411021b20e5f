package recipe

// CheckpointTrigger decides when an intermediate checkpoint is written. The
// last epoch never gets one: the final checkpoint follows it anyway.
type CheckpointTrigger struct {
	Every         int
	StepsPerEpoch int
	TotalEpochs   int
}

// ShouldSave is evaluated right after globalStep was reached in epoch.
func (t CheckpointTrigger) ShouldSave(globalStep, epoch int) bool {
	return t.Every > 0 && globalStep%t.Every == 0 && epoch != t.TotalEpochs-1
}

// EpochsRun is the epoch count a checkpoint taken at globalStep in epoch
// records: the epoch only counts once its last step is done.
func (t CheckpointTrigger) EpochsRun(globalStep, epoch int) int {
	if t.StepsPerEpoch > 0 && globalStep%t.StepsPerEpoch == 0 {
		return epoch + 1
	}
	return epoch
}
