package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/spf13/cobra"
)

func newClient() *client.Client {
	return client.New(serverAddr)
}

func tabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

// Cluster commands

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the broker cluster",
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Add a broker node to the cluster",
	Long: `Ask the current leader to add a broker node as a raft voter. The
target node must already be running with "serve --join".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		addr, _ := cmd.Flags().GetString("raft-addr")
		if nodeID == "" || addr == "" {
			return fmt.Errorf("--node-id and --raft-addr are required")
		}
		if err := newClient().ClusterJoin(nodeID, addr); err != nil {
			return err
		}
		fmt.Printf("Node %s added to the cluster\n", nodeID)
		return nil
	},
}

func init() {
	clusterJoinCmd.Flags().String("node-id", "", "joining node's ID")
	clusterJoinCmd.Flags().String("raft-addr", "", "joining node's raft address")
	clusterCmd.AddCommand(clusterJoinCmd)
}

// Service definition commands

var sdefCmd = &cobra.Command{
	Use:   "sdef",
	Short: "Manage service definitions",
}

var sdefListCmd = &cobra.Command{
	Use:   "list",
	Short: "List service definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := newClient().ListServiceDefs()
		if err != nil {
			return err
		}
		w := tabWriter()
		fmt.Fprintln(w, "ID\tNAME\tVERSION\tPROVIDER\tIMAGE\tPROTOCOL")
		for _, d := range defs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				d.ID, d.Name, d.Version, d.ProviderKind, d.ImageRef, d.ConnectProtocol)
		}
		return w.Flush()
	},
}

var sdefDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a service definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeleteServiceDef(args[0]); err != nil {
			return err
		}
		fmt.Printf("Service definition %s deleted\n", args[0])
		return nil
	},
}

func init() {
	sdefCmd.AddCommand(sdefListCmd)
	sdefCmd.AddCommand(sdefDeleteCmd)
}

// Pool commands

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage resource pools",
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		pools, err := newClient().ListPools()
		if err != nil {
			return err
		}
		w := tabWriter()
		fmt.Fprintln(w, "ID\tNAME\tSERVICE DEF\tDESIRED\tMAX")
		for _, p := range pools {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
				p.ID, p.Name, p.ServiceDefID, p.DesiredCount, p.MaxCount)
		}
		return w.Flush()
	},
}

var poolScaleCmd = &cobra.Command{
	Use:   "scale <id>",
	Short: "Change a pool's desired and max counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		pool, err := c.GetPool(args[0])
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("desired") {
			pool.DesiredCount, _ = cmd.Flags().GetInt("desired")
		}
		if cmd.Flags().Changed("max") {
			pool.MaxCount, _ = cmd.Flags().GetInt("max")
		}
		if cmd.Flags().Changed("ready-cache") {
			pool.ReadyCacheCount, _ = cmd.Flags().GetInt("ready-cache")
		}
		updated, err := c.UpdatePool(pool.ID, pool)
		if err != nil {
			return err
		}
		fmt.Printf("Pool %s scaled to desired=%d max=%d\n",
			updated.Name, updated.DesiredCount, updated.MaxCount)
		return nil
	},
}

var poolResourcesCmd = &cobra.Command{
	Use:   "resources <id>",
	Short: "List a pool's resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resources, err := newClient().ListPoolResources(args[0])
		if err != nil {
			return err
		}
		w := tabWriter()
		fmt.Fprintln(w, "ID\tSTATE\tDEF VERSION\tAGENT READY\tUSES\tERROR")
		for _, r := range resources {
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%d\t%s\n",
				r.ID, r.State, r.DefVersion, r.AgentReady, r.UseCount, r.Error)
		}
		return w.Flush()
	},
}

var poolDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a drained pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeletePool(args[0]); err != nil {
			return err
		}
		fmt.Printf("Pool %s deleted\n", args[0])
		return nil
	},
}

func init() {
	poolScaleCmd.Flags().Int("desired", 0, "desired ready count")
	poolScaleCmd.Flags().Int("max", 0, "hard resource cap")
	poolScaleCmd.Flags().Int("ready-cache", 0, "extra warm resources beyond desired")
	poolCmd.AddCommand(poolListCmd)
	poolCmd.AddCommand(poolScaleCmd)
	poolCmd.AddCommand(poolResourcesCmd)
	poolCmd.AddCommand(poolDeleteCmd)
}

// Assignment commands

var assignmentCmd = &cobra.Command{
	Use:   "assignment",
	Short: "Manage assignments",
}

var assignmentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List assignments",
	RunE: func(cmd *cobra.Command, args []string) error {
		assignments, err := newClient().ListAssignments()
		if err != nil {
			return err
		}
		w := tabWriter()
		fmt.Fprintln(w, "ID\tUSER\tRESOURCE\tSTATE\tSTARTED")
		for _, a := range assignments {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.UserID, a.ResourceID, a.State, a.StartedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var assignmentRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Request a desktop for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		defID, _ := cmd.Flags().GetString("sdef")
		if userID == "" || defID == "" {
			return fmt.Errorf("--user and --sdef are required")
		}
		a, err := newClient().RequestAssignment(userID, defID)
		if errors.Is(err, errdefs.ErrPending) {
			fmt.Println("Provisioning in progress; retry shortly")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Assigned resource %s (assignment %s)\n", a.ResourceID, a.ID)
		return nil
	},
}

var assignmentReleaseCmd = &cobra.Command{
	Use:   "release <id>",
	Short: "Release an assignment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().ReleaseAssignment(args[0]); err != nil {
			return err
		}
		fmt.Printf("Assignment %s released\n", args[0])
		return nil
	},
}

var assignmentTicketCmd = &cobra.Command{
	Use:   "ticket <id>",
	Short: "Issue a tunnel ticket for an assignment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := newClient().IssueTicket(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", t.Ticket)
		fmt.Fprintf(os.Stderr, "Expires at %s\n", t.ExpiresAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	assignmentRequestCmd.Flags().String("user", "", "user ID")
	assignmentRequestCmd.Flags().String("sdef", "", "service definition ID")
	assignmentCmd.AddCommand(assignmentListCmd)
	assignmentCmd.AddCommand(assignmentRequestCmd)
	assignmentCmd.AddCommand(assignmentReleaseCmd)
	assignmentCmd.AddCommand(assignmentTicketCmd)
}

// Task commands

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and cancel pipeline tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := newClient().ListTasks()
		if err != nil {
			return err
		}
		w := tabWriter()
		fmt.Fprintln(w, "ID\tKIND\tRESOURCE\tSTATUS\tSTEP\tRETRIES\tERROR")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				t.ID, t.Kind, t.ResourceID, t.Status, t.CurrentStep, t.Retries, t.LastError)
		}
		return w.Flush()
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Request cooperative cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().CancelTask(args[0]); err != nil {
			return err
		}
		fmt.Println("Cancellation requested; the pipeline honors it at the next step boundary")
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
}
