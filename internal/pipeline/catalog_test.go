package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalogListsPipelines(t *testing.T) {
	c := NewCatalog("python3", "/opt/foldserver/scripts")
	names := []string{}
	for _, p := range c.Pipelines() {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{Predict, Refine, Ensemble, Inference}, names)
}

func TestResolvePredict(t *testing.T) {
	c := NewCatalog("python3", "/opt/scripts")
	req, err := c.Resolve(Predict, Request{
		Input:       "seq.fasta",
		Output:      "/out",
		ModelConfig: "cfg_96",
	})
	require.NoError(t, err)
	require.Equal(t, "python3", req.Program)
	require.Equal(t, []string{
		"/opt/scripts/basic_prediction.py",
		"--input", "seq.fasta",
		"--output", "/out",
		"--model", "cfg_96",
	}, req.Args)
	require.Equal(t, "/out", req.OutputDir)
	require.Equal(t, "predict_seq", req.Name)
}

func TestResolveEnsemble(t *testing.T) {
	c := NewCatalog("", "/opt/scripts")
	req, err := c.Resolve(Ensemble, Request{
		Input:     "examples/data/test_sequence.fasta",
		Output:    "/out/ensemble",
		MaxModels: 3,
		UseMock:   true,
		Name:      "my-ensemble",
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"/opt/scripts/ensemble_prediction.py",
		"--input", "examples/data/test_sequence.fasta",
		"--output", "/out/ensemble",
		"--max-models", "3",
		"--use-mock",
	}, req.Args)
	require.Equal(t, "my-ensemble", req.Name)
}

func TestResolveRefine(t *testing.T) {
	c := NewCatalog("python3", "/opt/scripts")
	req, err := c.Resolve(Refine, Request{
		Input:  "structure.pdb",
		Output: "refined.pdb",
		Steps:  2000,
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"/opt/scripts/structure_refinement.py",
		"--input", "structure.pdb",
		"--output", "refined.pdb",
		"--steps", "2000",
	}, req.Args)
	// Refinement writes a single file, not a result directory.
	require.Empty(t, req.OutputDir)
}

func TestResolveRefineRequiresOutput(t *testing.T) {
	c := NewCatalog("python3", "/opt/scripts")
	_, err := c.Resolve(Refine, Request{Input: "structure.pdb"})
	require.Error(t, err)
}

func TestResolveRequiresInput(t *testing.T) {
	c := NewCatalog("python3", "/opt/scripts")
	_, err := c.Resolve(Predict, Request{})
	require.Error(t, err)
}

func TestResolveUnknownPipeline(t *testing.T) {
	c := NewCatalog("python3", "/opt/scripts")
	_, err := c.Resolve("transmogrify", Request{Input: "seq.fasta"})
	require.Error(t, err)
}
