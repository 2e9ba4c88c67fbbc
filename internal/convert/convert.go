// Package convert runs the checkpoint-to-ONNX pipeline end to end:
// load the checkpoint, build the network, reconcile weights, export and
// validate. Stages run strictly in order; the first fatal error stops the
// run.
package convert

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fragrancelog/embedexport/internal/backend/cpu"
	"github.com/fragrancelog/embedexport/internal/config"
	"github.com/fragrancelog/embedexport/internal/export"
	"github.com/fragrancelog/embedexport/internal/loader"
	"github.com/fragrancelog/embedexport/internal/model"
	"github.com/fragrancelog/embedexport/internal/tensor"
	"github.com/fragrancelog/embedexport/internal/trace"
	"github.com/fragrancelog/embedexport/internal/validate"
)

// Version is written as the producer version of every artifact.
const Version = "v0.1.0"

// ErrSuspect marks a run whose artifact was written but disagrees with the
// in-process network beyond tolerance.
var ErrSuspect = errors.New("artifact is suspect")

// Outcome collects what each stage produced.
type Outcome struct {
	Reconcile *loader.Result
	Export    export.Stats
	Report    *validate.Report
	Output    string
}

// Run executes the pipeline described by cfg and logs a report to logger.
//
// A suspect artifact is returned together with an error wrapping
// ErrSuspect; every other error means no trustworthy artifact exists.
func Run(cfg *config.Config, logger *log.Logger) (*Outcome, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ckpt, err := loader.LoadCheckpoint(cfg.CheckpointPath, loader.DefaultShim(), cfg.StateKey)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	logger.Printf("checkpoint=%s tensors=%d", cfg.CheckpointPath, ckpt.Len())
	if r, ok := ckpt.Reducer(); ok {
		logger.Printf("reducer=%T (not applied)", r)
	}

	tb := trace.New(cpu.New())
	net, err := model.Build(cfg.Model, tb)
	if err != nil {
		return nil, err
	}

	rec, err := loader.Reconcile(net, ckpt, loader.NewGeMMapper())
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	logReconcile(logger, rec)
	if err := cfg.Policy.Apply(rec); err != nil {
		return nil, err
	}

	mc := cfg.Model
	example := tensor.RandNormal(tensor.Shape{1, mc.InChannels, mc.ImageSize, mc.ImageSize}, 0, 1, cfg.ExampleSeed)

	opts := export.DefaultOptions()
	opts.FuseBatchNorm = cfg.FuseBatchNorm
	opts.ProducerVersion = Version
	opts.Metadata = map[string]string{
		"architecture":  loader.NewGeMMapper().Architecture(),
		"checkpoint":    filepath.Base(cfg.CheckpointPath),
		"embedding_dim": strconv.Itoa(mc.OutputDim),
	}
	res, err := export.Export(net, tb, example, opts)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if err := res.WriteFile(cfg.OutputPath); err != nil {
		return nil, err
	}
	s := res.Stats
	logger.Printf("wrote=%s bytes=%d sha256=%s nodes=%d initializers=%d fused=%d folded=%d pruned=%d",
		cfg.OutputPath, len(res.Bytes), res.Checksum, s.Nodes, s.Initializers, s.Fused, s.Folded, s.PrunedInitializers)

	artifact, err := readBack(cfg.OutputPath, res.Checksum)
	if err != nil {
		return nil, err
	}

	vopts := validate.DefaultOptions()
	vopts.Tolerance = cfg.Tolerance
	vopts.NoiseScale = cfg.NoiseScale
	vopts.Seed = cfg.NoiseSeed
	report, err := validate.Run(artifact, net, example, res.Output, vopts)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", cfg.OutputPath, err)
	}
	logReport(logger, report)

	out := &Outcome{Reconcile: rec, Export: s, Report: report, Output: cfg.OutputPath}
	if report.Suspect() {
		logger.Printf("WARNING: max diff %g (batch %g) exceeds tolerance %g; %s is suspect",
			report.MaxDiff, report.BatchDiff, report.Tolerance, cfg.OutputPath)
		return out, fmt.Errorf("%w: max diff %g > %g", ErrSuspect, report.MaxDiff, report.Tolerance)
	}
	return out, nil
}

// readBack reloads the written artifact so validation sees what is on disk.
func readBack(path, checksum string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read back %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != checksum {
		return nil, fmt.Errorf("%s on disk has sha256 %s, exported %s", path, got, checksum)
	}
	return data, nil
}

func logReconcile(logger *log.Logger, r *loader.Result) {
	logger.Printf("Missing: %d", len(r.Missing))
	logger.Printf("Unexpected: %d", len(r.Unexpected))
	if r.Clean() {
		logger.Print("All parameters loaded successfully")
		return
	}
	if len(r.Missing) > 0 {
		logger.Printf("Missing keys: %v", r.Missing)
	}
	if len(r.Unexpected) > 0 {
		logger.Printf("Unexpected keys: %v", r.Unexpected)
	}
}

func logReport(logger *log.Logger, r *validate.Report) {
	logger.Printf("Norm: %v", r.Norm)
	logger.Printf("Self similarity: %v", r.SelfSimilarity)
	logger.Printf("Perturb similarity: %v", r.PerturbSimilarity)
	if !r.SanityOK() {
		logger.Printf("sanity norm_ok=%t self_sim_ok=%t perturb_ok=%t", r.NormOK, r.SelfSimOK, r.PerturbOK)
	}
	logger.Printf("Max diff: %v", r.MaxDiff)
	logger.Printf("ONNX opset: %d", r.Opset)
}
