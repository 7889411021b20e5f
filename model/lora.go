package model

import (
	"strings"

	"github.com/pkg/errors"
)

// AdapterTargets lists the modules that carry a LoRA adapter.
var AdapterTargets = []string{"output"}

// IsAdapterKey reports whether a state dict key belongs to an adapter.
func IsAdapterKey(k string) bool {
	for _, mod := range AdapterTargets {
		if strings.HasPrefix(k, mod+".lora_") {
			return true
		}
	}
	return false
}

// AdapterConfig describes the adapter saved alongside adapter weights.
type AdapterConfig struct {
	Rank          int      `json:"r"`
	Alpha         float64  `json:"lora_alpha"`
	TargetModules []string `json:"target_modules"`
	BaseVocab     int      `json:"base_vocab"`
	BaseDim       int      `json:"base_dim"`
}

// AdapterConfig returns the adapter description for checkpoints.
func (m *TinyLM) AdapterConfig() AdapterConfig {
	return AdapterConfig{
		Rank:          m.cfg.LoRARank,
		Alpha:         m.cfg.LoRAAlpha,
		TargetModules: AdapterTargets,
		BaseVocab:     m.cfg.Vocab,
		BaseDim:       m.cfg.Dim,
	}
}

// ValidateLoRALoad checks the key reports of loading a base checkpoint and,
// if adapterLoaded, an adapter checkpoint into a LoRA model: the base may only
// miss adapter keys, the adapter may only miss base keys, and neither may
// carry keys the model doesn't know.
func ValidateLoRALoad(baseMissing, baseUnexpected, adapterMissing, adapterUnexpected []string, adapterLoaded bool) error {
	for _, k := range baseMissing {
		if !IsAdapterKey(k) {
			return errors.Errorf("missing non-LoRA key %s from base model state dict", k)
		}
	}
	if len(baseUnexpected) > 0 {
		return errors.Errorf("unexpected keys loading base model: %v", baseUnexpected)
	}
	if !adapterLoaded {
		return nil
	}
	for _, k := range adapterMissing {
		if IsAdapterKey(k) {
			return errors.Errorf("missing LoRA key %s from adapter state dict", k)
		}
	}
	if len(adapterUnexpected) > 0 {
		return errors.Errorf("unexpected keys loading adapter: %v", adapterUnexpected)
	}
	return nil
}
