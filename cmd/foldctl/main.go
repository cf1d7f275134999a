package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:          "foldctl",
	Short:        "Client for the foldserver job API",
	SilenceUsage: true,
}

var submitCmd = &cobra.Command{
	Use:   "submit <program> [args...]",
	Short: "Submit a program to run as a background job",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		workdir, _ := cmd.Flags().GetString("workdir")
		outputDir, _ := cmd.Flags().GetString("output-dir")
		webhookURL, _ := cmd.Flags().GetString("webhook")
		body := map[string]any{
			"program":     args[0],
			"args":        args[1:],
			"name":        name,
			"working_dir": workdir,
			"output_dir":  outputDir,
			"webhook_url": webhookURL,
		}
		return postJSON("/jobs", body)
	},
}

var runCmd = &cobra.Command{
	Use:   "run <pipeline>",
	Short: "Submit a named RNA analysis pipeline (predict, refine, ensemble, inference)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("input")
		output, _ := cmd.Flags().GetString("output")
		model, _ := cmd.Flags().GetString("model")
		steps, _ := cmd.Flags().GetInt("steps")
		maxModels, _ := cmd.Flags().GetInt("max-models")
		mock, _ := cmd.Flags().GetBool("mock")
		name, _ := cmd.Flags().GetString("name")
		body := map[string]any{
			"input":        input,
			"output":       output,
			"model_config": model,
			"steps":        steps,
			"max_models":   maxModels,
			"use_mock":     mock,
			"name":         name,
		}
		return postJSON("/pipelines/"+args[0], body)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's current state and timestamps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/jobs/" + args[0])
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Fetch a completed job's result payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/jobs/" + args[0] + "/result")
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print a job's captured output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		resp, err := apiRequest(http.MethodGet, "/jobs/"+args[0]+"/log?tail="+strconv.Itoa(tail), nil)
		if err != nil {
			return err
		}
		var payload struct {
			Lines      []string `json:"lines"`
			TotalLines int      `json:"total_lines"`
			Error      string   `json:"error"`
		}
		if err := json.Unmarshal(resp, &payload); err != nil {
			return err
		}
		if payload.Error != "" {
			return fmt.Errorf("%s", payload.Error)
		}
		for _, line := range payload.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return postJSON("/jobs/"+args[0]+"/cancel", map[string]string{"reason": reason})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in submission order",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		path := "/jobs"
		if state != "" {
			path += "?state=" + state
		}
		return getJSON(path)
	},
}

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List available analysis pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/pipelines")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "foldserver API address")
	submitCmd.Flags().String("name", "", "display name for the job")
	submitCmd.Flags().String("workdir", "", "working directory for the process")
	submitCmd.Flags().String("output-dir", "", "directory the job writes results to")
	submitCmd.Flags().String("webhook", "", "URL notified on state changes")
	runCmd.Flags().String("input", "", "input FASTA or PDB file")
	runCmd.Flags().String("output", "", "output file or directory")
	runCmd.Flags().String("model", "", "model configuration (cfg_95, cfg_96, cfg_97, cfg_99)")
	runCmd.Flags().Int("steps", 0, "minimization steps (refine)")
	runCmd.Flags().Int("max-models", 0, "maximum ensemble models")
	runCmd.Flags().Bool("mock", false, "use mock computation")
	runCmd.Flags().String("name", "", "display name for the job")
	logsCmd.Flags().Int("tail", 0, "only the last N lines (0 for all)")
	cancelCmd.Flags().String("reason", "", "cancellation reason")
	listCmd.Flags().String("state", "", "filter by state")
	rootCmd.AddCommand(submitCmd, runCmd, statusCmd, resultCmd, logsCmd, cancelCmd, listCmd, pipelinesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiRequest(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, serverAddr+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, payload.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return data, nil
}

func getJSON(path string) error {
	data, err := apiRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func postJSON(path string, body any) error {
	data, err := apiRequest(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func printJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
