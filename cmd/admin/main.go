package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

const defaultAPI = "http://localhost:8080"

var (
	apiURL     string
	dumpJSON   bool
	authorName string
	authorID   string
)

var rootCmd = &cobra.Command{
	Use:   "modelhub-admin",
	Short: "Administer repositories and quotas of a modelhub server",
	Long: `Talks to the modelhub REST API to inspect and change namespace quotas,
create and delete repositories, and check whether a branch reset would lose
large objects.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envDefault("MODELHUB_API", defaultAPI), "Base URL of the modelhub REST API")
	rootCmd.PersistentFlags().BoolVar(&dumpJSON, "json", false, "Output JSON instead of table")
	rootCmd.PersistentFlags().StringVar(&authorName, "author-name", "admin", "Author name sent with mutating calls")
	rootCmd.PersistentFlags().StringVar(&authorID, "author-id", "admin-cli", "Author id sent with mutating calls")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Details map[string]any `json:"details"`
}

// call sends in as JSON and decodes the response into out.
func call(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Author-Name", authorName)
	req.Header.Set("X-Author-ID", authorID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e apiError
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error.Code != "" {
			if len(e.Details) > 0 {
				return fmt.Errorf("%s: %s %v", e.Error.Code, e.Error.Message, e.Details)
			}
			return fmt.Errorf("%s: %s", e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("%s %s failed: %s", method, path, resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// repoPath turns "ns/name" and a type into the /api/{type}/ns/name prefix.
func repoPath(kind, name string) (string, error) {
	if strings.Count(name, "/") != 1 {
		return "", fmt.Errorf("repository must be namespace/name, got %q", name)
	}
	switch kind {
	case "model", "models":
		kind = "models"
	case "dataset", "datasets":
		kind = "datasets"
	case "space", "spaces":
		kind = "spaces"
	default:
		return "", fmt.Errorf("unknown repository type %q", kind)
	}
	return "/api/" + kind + "/" + name, nil
}
