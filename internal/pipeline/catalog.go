// Package pipeline maps named RNA analysis pipelines onto the argument
// vectors of the scripts that implement them, so callers can submit a
// prediction by name instead of spelling out argv.
package pipeline

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rnaworks/foldserver/internal/jobs"
)

const (
	Predict   = "predict"
	Refine    = "refine"
	Ensemble  = "ensemble"
	Inference = "inference"
)

// Request carries the caller-facing knobs common to all pipelines. Fields
// that a pipeline does not use are ignored.
type Request struct {
	Input       string            `json:"input"`
	Output      string            `json:"output,omitempty"`
	ModelConfig string            `json:"model_config,omitempty"`
	Steps       int               `json:"steps,omitempty"`
	MaxModels   int               `json:"max_models,omitempty"`
	UseMock     bool              `json:"use_mock,omitempty"`
	Name        string            `json:"name,omitempty"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Pipeline struct {
	Name        string `json:"name"`
	Script      string `json:"script"`
	Description string `json:"description"`
}

// Catalog resolves pipeline names against a scripts directory.
type Catalog struct {
	interpreter string
	scriptsDir  string
	pipelines   []Pipeline
}

func NewCatalog(interpreter, scriptsDir string) *Catalog {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Catalog{
		interpreter: interpreter,
		scriptsDir:  scriptsDir,
		pipelines: []Pipeline{
			{Name: Predict, Script: "basic_prediction.py", Description: "Predict RNA 3D structure from a FASTA sequence"},
			{Name: Refine, Script: "structure_refinement.py", Description: "Refine an RNA structure with molecular dynamics"},
			{Name: Ensemble, Script: "ensemble_prediction.py", Description: "Generate and cluster an ensemble of structure variants"},
			{Name: Inference, Script: "model_inference.py", Description: "Run raw model inference with distance and contact maps"},
		},
	}
}

// Pipelines lists the catalog in a stable order.
func (c *Catalog) Pipelines() []Pipeline {
	out := make([]Pipeline, len(c.pipelines))
	copy(out, c.pipelines)
	return out
}

// Resolve turns a pipeline name and request into a job submission. Only the
// argument vector is built here; execution semantics stay with the job
// manager.
func (c *Catalog) Resolve(name string, req Request) (jobs.SubmitRequest, error) {
	var p *Pipeline
	for i := range c.pipelines {
		if c.pipelines[i].Name == name {
			p = &c.pipelines[i]
			break
		}
	}
	if p == nil {
		return jobs.SubmitRequest{}, fmt.Errorf("unknown pipeline %q", name)
	}
	if req.Input == "" {
		return jobs.SubmitRequest{}, fmt.Errorf("pipeline %s: input file required", name)
	}
	if name == Refine && req.Output == "" {
		return jobs.SubmitRequest{}, fmt.Errorf("pipeline %s: output file required", name)
	}

	args := []string{filepath.Join(c.scriptsDir, p.Script), "--input", req.Input}
	if req.Output != "" {
		args = append(args, "--output", req.Output)
	}
	switch name {
	case Predict, Inference:
		if req.ModelConfig != "" {
			args = append(args, "--model", req.ModelConfig)
		}
	case Refine:
		if req.Steps > 0 {
			args = append(args, "--steps", strconv.Itoa(req.Steps))
		}
	case Ensemble:
		if req.MaxModels > 0 {
			args = append(args, "--max-models", strconv.Itoa(req.MaxModels))
		}
	}
	if req.UseMock {
		args = append(args, "--use-mock")
	}

	jobName := req.Name
	if jobName == "" {
		jobName = fmt.Sprintf("%s_%s", name, stem(req.Input))
	}

	outputDir := ""
	if name != Refine {
		// These scripts treat --output as a directory and drop a
		// result.json summary into it.
		outputDir = req.Output
	}

	return jobs.SubmitRequest{
		Program:    c.interpreter,
		Args:       args,
		Name:       jobName,
		OutputDir:  outputDir,
		WebhookURL: req.WebhookURL,
		Metadata:   req.Metadata,
	}, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
