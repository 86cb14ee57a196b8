package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var (
	repoType    string
	repoPrivate bool
	branch      string
	revision    string
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Create and delete repositories",
}

var repoCreateCmd = &cobra.Command{
	Use:   "create <namespace/name>",
	Short: "Create a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			URL    string `json:"url"`
			Commit string `json:"commit"`
		}
		body := map[string]any{"type": repoType, "name": args[0], "private": repoPrivate}
		if err := call(http.MethodPost, "/api/repos/create", body, &out); err != nil {
			return err
		}
		if dumpJSON {
			return printJSON(out)
		}
		fmt.Printf("created %s (initial commit %s)\n", out.URL, out.Commit)
		return nil
	},
}

var repoDeleteCmd = &cobra.Command{
	Use:   "delete <namespace/name>",
	Short: "Delete a repository after obtaining a confirmation token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := repoPath(repoType, args[0])
		if err != nil {
			return err
		}
		var conf struct {
			Token string   `json:"token"`
			Paths []string `json:"paths"`
		}
		if err := call(http.MethodPost, path+"/prepare-delete", map[string]string{"kind": "repository"}, &conf); err != nil {
			return err
		}
		body := map[string]any{"type": repoType, "name": args[0], "token": conf.Token}
		if err := call(http.MethodDelete, "/api/repos/delete", body, nil); err != nil {
			return err
		}
		fmt.Printf("deleted %s (%d files)\n", args[0], len(conf.Paths))
		return nil
	},
}

var recoverableCmd = &cobra.Command{
	Use:   "recoverable <namespace/name>",
	Short: "Check whether resetting a branch to a revision keeps every large object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if revision == "" {
			return fmt.Errorf("--revision is required")
		}
		path, err := repoPath(repoType, args[0])
		if err != nil {
			return err
		}
		var rep struct {
			Recoverable     bool     `json:"recoverable"`
			MissingPaths    []string `json:"missing_paths"`
			AffectedCommits []string `json:"affected_commits"`
		}
		q := url.Values{"revision": {revision}}
		if err := call(http.MethodGet, path+"/branch/"+url.PathEscape(branch)+"/recoverable?"+q.Encode(), nil, &rep); err != nil {
			return err
		}
		if dumpJSON {
			return printJSON(rep)
		}
		tw := newTable()
		fmt.Fprintf(tw, "Branch\tRevision\tRecoverable\tMissing\tAffected\n")
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d\n", branch, revision, rep.Recoverable, strings.Join(rep.MissingPaths, ","), len(rep.AffectedCommits))
		return tw.Flush()
	},
}

func init() {
	for _, c := range []*cobra.Command{repoCreateCmd, repoDeleteCmd, recoverableCmd} {
		c.Flags().StringVar(&repoType, "type", "model", "Repository type: model, dataset or space")
	}
	repoCreateCmd.Flags().BoolVar(&repoPrivate, "private", false, "Create the repository as private")
	recoverableCmd.Flags().StringVar(&branch, "branch", "main", "Branch that would be reset")
	recoverableCmd.Flags().StringVar(&revision, "revision", "", "Target revision of the reset")
	repoCmd.AddCommand(repoCreateCmd, repoDeleteCmd)
	rootCmd.AddCommand(repoCmd, recoverableCmd)
}
