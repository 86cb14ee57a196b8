package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type namespaceReport struct {
	Namespace        string `json:"namespace"`
	PublicLimit      *int64 `json:"publicLimit,omitempty"`
	PrivateLimit     *int64 `json:"privateLimit,omitempty"`
	PublicUsedBytes  int64  `json:"publicUsedBytes"`
	PrivateUsedBytes int64  `json:"privateUsedBytes"`
	Repositories     []struct {
		ID struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"id"`
		Private    bool   `json:"private"`
		QuotaBytes *int64 `json:"quotaBytes,omitempty"`
		UsedBytes  int64  `json:"usedBytes"`
	} `json:"repositories,omitempty"`
}

var (
	publicLimit  int64
	privateLimit int64
	recalcRepo   string
	recalcType   string
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and change namespace quotas",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show <namespace>",
	Short: "Show limits, usage and repositories of a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var report namespaceReport
		if err := call(http.MethodGet, "/api/quota/"+args[0], nil, &report); err != nil {
			return err
		}
		if dumpJSON {
			return printJSON(report)
		}
		tw := newTable()
		fmt.Fprintf(tw, "Namespace\tPublicUsed\tPublicLimit\tPrivateUsed\tPrivateLimit\n")
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", report.Namespace,
			report.PublicUsedBytes, limit(report.PublicLimit), report.PrivateUsedBytes, limit(report.PrivateLimit))
		if len(report.Repositories) > 0 {
			fmt.Fprintf(tw, "\nRepository\tType\tPrivate\tUsed\tLimit\n")
			for _, r := range report.Repositories {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\n", r.ID.Name, r.ID.Type, r.Private, r.UsedBytes, limit(r.QuotaBytes))
			}
		}
		return tw.Flush()
	},
}

var quotaSetCmd = &cobra.Command{
	Use:   "set <namespace>",
	Short: "Replace the public and private limits of a namespace (-1 is unlimited)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]*int64{"publicLimit": optional(publicLimit), "privateLimit": optional(privateLimit)}
		var report namespaceReport
		if err := call(http.MethodPut, "/api/quota/"+args[0], body, &report); err != nil {
			return err
		}
		if dumpJSON {
			return printJSON(report)
		}
		fmt.Printf("%s: public %s, private %s\n", report.Namespace, limit(report.PublicLimit), limit(report.PrivateLimit))
		return nil
	},
}

var quotaRecalcCmd = &cobra.Command{
	Use:   "recalc <namespace>",
	Short: "Recompute usage of a namespace, or of one repository with --repo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if recalcRepo != "" {
			path, err := repoPath(recalcType, args[0]+"/"+recalcRepo)
			if err != nil {
				return err
			}
			var repo map[string]any
			if err := call(http.MethodPost, path+"/quota/recalculate", nil, &repo); err != nil {
				return err
			}
			if dumpJSON {
				return printJSON(repo)
			}
			fmt.Printf("%s/%s: %v bytes\n", args[0], recalcRepo, repo["usedBytes"])
			return nil
		}
		var report namespaceReport
		if err := call(http.MethodPost, "/api/quota/"+args[0]+"/recalculate", nil, &report); err != nil {
			return err
		}
		if dumpJSON {
			return printJSON(report)
		}
		fmt.Printf("%s: public %d bytes, private %d bytes\n", report.Namespace, report.PublicUsedBytes, report.PrivateUsedBytes)
		return nil
	},
}

func init() {
	quotaSetCmd.Flags().Int64Var(&publicLimit, "public", -1, "Public limit in bytes")
	quotaSetCmd.Flags().Int64Var(&privateLimit, "private", -1, "Private limit in bytes")
	quotaRecalcCmd.Flags().StringVar(&recalcRepo, "repo", "", "Repository name within the namespace")
	quotaRecalcCmd.Flags().StringVar(&recalcType, "type", "model", "Repository type: model, dataset or space")
	quotaCmd.AddCommand(quotaShowCmd, quotaSetCmd, quotaRecalcCmd)
	rootCmd.AddCommand(quotaCmd)
}

func optional(v int64) *int64 {
	if v < 0 {
		return nil
	}
	return &v
}

func limit(v *int64) string {
	if v == nil {
		return "unlimited"
	}
	return fmt.Sprint(*v)
}
