package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ValentinKolb/dGrid/cmd/util"
	"github.com/ValentinKolb/dGrid/lib/cluster"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// ClusterCommands groups the operator commands talking to an admin endpoint
	ClusterCommands = &cobra.Command{
		Use:   "cluster",
		Short: "Inspect and shut down a running grid",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return util.BindCommandFlags(cmd)
		},
	}
	viewCmd = &cobra.Command{
		Use:   "view",
		Short: "Prints the view of a member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var info cluster.ViewInfo
			if err := call(cmd, http.MethodGet, "/cluster/view", &info); err != nil {
				return err
			}
			fmt.Printf("member:      %s\n", info.Member)
			fmt.Printf("coordinator: %s\n", info.Coordinator)
			fmt.Printf("phase:       %s\n", info.Phase)
			fmt.Printf("entries:     %d\n", info.Entries)
			fmt.Printf("view:        %s\n", info.View)
			return nil
		},
	}
	shutdownCmd = &cobra.Command{
		Use:   "shutdown",
		Short: "Gracefully shuts down the whole cluster",
		Long:  "Asks the member to run the coordinated shutdown: every member drains its transactions, flushes its store and persists the view. A later restart must bring back exactly these members.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := call(cmd, http.MethodPost, "/cluster/shutdown", nil); err != nil {
				return err
			}
			fmt.Println("cluster shut down")
			return nil
		},
	}
	tasksCmd = &cobra.Command{
		Use:   "task [name] [key=value...]",
		Short: "Runs a task on a member and prints its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := make([]string, 0, len(args)-1)
			for _, kv := range args[1:] {
				if !strings.Contains(kv, "=") {
					return fmt.Errorf("invalid task parameter %q (expected key=value)", kv)
				}
				query = append(query, kv)
			}
			path := "/tasks/" + args[0]
			if len(query) > 0 {
				path += "?" + strings.Join(query, "&")
			}
			var out json.RawMessage
			if err := call(cmd, http.MethodPost, path, &out); err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, out, "", "  "); err != nil {
				return err
			}
			fmt.Println(pretty.String())
			return nil
		},
	}
)

func init() {
	ClusterCommands.PersistentFlags().String("admin", "http://localhost:8081", util.WrapString("URL of the admin endpoint of a member"))
	ClusterCommands.PersistentFlags().Int("timeout", 60, util.WrapString("The timeout in seconds of the request"))

	ClusterCommands.AddCommand(viewCmd)
	ClusterCommands.AddCommand(shutdownCmd)
	ClusterCommands.AddCommand(tasksCmd)
}

// call sends one request to the admin endpoint and decodes the JSON answer into out
func call(cmd *cobra.Command, method, path string, out any) error {
	ctx, cancel := util.CommandContext(cmd)
	defer cancel()

	url := strings.TrimRight(viper.GetString("admin"), "/") + path
	return do(ctx, method, url, out)
}

func do(ctx context.Context, method, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", e.Code, e.Error)
		}
		return fmt.Errorf("admin endpoint answered %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
