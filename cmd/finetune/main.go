package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Noofbiz/adaptune/config"
	"github.com/Noofbiz/adaptune/recipe"
	"k8s.io/klog/v2"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config; unset fields keep their defaults")
	writeConfig := flag.String("write-config", "", "if set, write the effective configuration to this path and exit")
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")

	// Bootstrap writes random base (and teacher) weights and a synthetic
	// dataset where the config expects them, so a run can start from nothing.
	bootstrap := flag.Bool("bootstrap", false, "write random weights and a synthetic dataset before training")
	bootstrapExamples := flag.Int("bootstrap-examples", 256, "number of synthetic examples written by -bootstrap")

	overrides := config.NewFlags(flag.CommandLine)
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*configPath)
	if err != nil {
		klog.Exitf("%+v", err)
	}
	overrides.Apply(cfg)

	if *printEffectiveConfig || *writeConfig != "" {
		if *writeConfig != "" {
			if err := cfg.Write(*writeConfig); err != nil {
				klog.Exitf("%+v", err)
			}
			klog.Infof("Wrote effective configuration to %s", *writeConfig)
		}
		if *printEffectiveConfig {
			data, err := cfg.JSON()
			if err != nil {
				klog.Exitf("%+v", err)
			}
			fmt.Println(string(data))
		}
		return
	}

	if *bootstrap {
		seed := int64(0)
		if cfg.Seed != nil {
			seed = *cfg.Seed
		}
		if err := recipe.Bootstrap(cfg, *bootstrapExamples, seed); err != nil {
			klog.Exitf("bootstrap: %+v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		klog.Flush()
		klog.Exitf("%+v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	r, err := recipe.Setup(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := r.Train(ctx); err != nil {
		return err
	}
	klog.Infof("Training finished at step %d after %d epochs", r.Progress.GlobalStep, r.Progress.EpochsRun)
	return nil
}
