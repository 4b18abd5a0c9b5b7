package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/heliosproject/helios/internal/descriptor"
)

var createJobCmd = &cobra.Command{
	Use:   "create-job [spec-file]",
	Short: "Register a job from a YAML spec file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		spec, err := loadJobSpec(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		id, err := client.CreateJob(cmd.Context(), spec.Name, spec.Version, spec.Image, spec.Command, spec.Env, spec.toPortMappings())
		if err != nil {
			fatalf("creating job: %v", err)
		}
		fmt.Printf("job created: %s\n", id)
	},
}

var getJobCmd = &cobra.Command{
	Use:   "get-job [job-id]",
	Short: "Show one job's definition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := descriptor.ParseJobId(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		job, err := client.GetJob(cmd.Context(), id)
		if err != nil {
			fatalf("fetching job: %v", err)
		}
		fmt.Printf("name:    %s\n", job.Name())
		fmt.Printf("version: %s\n", job.Version())
		fmt.Printf("image:   %s\n", job.Image())
		fmt.Printf("hash:    %s\n", job.Hash())
		if len(job.Command()) > 0 {
			fmt.Printf("command: %v\n", job.Command())
		}
		for name, mapping := range job.Ports() {
			external := "dynamic"
			if mapping.ExternalPort != nil {
				external = fmt.Sprintf("%d", *mapping.ExternalPort)
			}
			fmt.Printf("port %s: %d/%s -> %s\n", name, mapping.InternalPort, mapping.Protocol, external)
		}
	},
}

var listJobsCmd = &cobra.Command{
	Use:   "list-jobs",
	Short: "List registered jobs",
	Run: func(cmd *cobra.Command, args []string) {
		nameFilter, _ := cmd.Flags().GetString("name")
		jobs, err := client.ListJobs(cmd.Context(), nameFilter)
		if err != nil {
			fatalf("listing jobs: %v", err)
		}
		if len(jobs) == 0 {
			fmt.Println("no jobs registered")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tVERSION\tIMAGE")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", job.Id(), job.Name(), job.Version(), job.Image())
		}
		w.Flush()
	},
}

func init() {
	listJobsCmd.Flags().String("name", "", "filter by job name")
}

var removeJobCmd = &cobra.Command{
	Use:   "remove-job [job-id]",
	Short: "Remove a job that is not deployed anywhere",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := descriptor.ParseJobId(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if err := client.RemoveJob(cmd.Context(), id); err != nil {
			fatalf("removing job: %v", err)
		}
		fmt.Printf("job removed: %s\n", id)
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy [job-id] [host]",
	Short: "Deploy a job to a host with goal START",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := descriptor.ParseJobId(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if err := client.Deploy(cmd.Context(), id, args[1], descriptor.Start); err != nil {
			fatalf("deploying job: %v", err)
		}
		fmt.Printf("deployed %s to %s\n", id, args[1])
	},
}

var setGoalCmd = &cobra.Command{
	Use:   "set-goal [job-id] [host] [START|STOP|UNDEPLOY]",
	Short: "Change the goal of an already-deployed job",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := descriptor.ParseJobId(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		goal := descriptor.Goal(args[2])
		if err := goal.Validate(); err != nil {
			fatalf("%v", err)
		}
		if err := client.SetGoal(cmd.Context(), id, args[1], goal); err != nil {
			fatalf("setting goal: %v", err)
		}
		fmt.Printf("goal set: %s on %s -> %s\n", id, args[1], goal)
	},
}

var undeployCmd = &cobra.Command{
	Use:   "undeploy [job-id] [host]",
	Short: "Remove a job from a host entirely",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := descriptor.ParseJobId(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if err := client.Undeploy(cmd.Context(), id, args[1]); err != nil {
			fatalf("undeploying job: %v", err)
		}
		fmt.Printf("undeployed %s from %s\n", id, args[1])
	},
}

var hostStatusCmd = &cobra.Command{
	Use:   "host-status [host]",
	Short: "Show one host's aggregated status",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		status, err := client.HostStatus(cmd.Context(), args[0])
		if err != nil {
			fatalf("fetching host status: %v", err)
		}
		fmt.Printf("status: %s\n", status.Status)
		if len(status.Statuses) == 0 {
			fmt.Println("no tasks")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSTATE\tTHROTTLED")
		for jobID, ts := range status.Statuses {
			fmt.Fprintf(w, "%s\t%s\t%s\n", jobID, ts.State, ts.Throttled)
		}
		w.Flush()
	},
}

var listHostsCmd = &cobra.Command{
	Use:   "list-hosts",
	Short: "List every host known to the master",
	Run: func(cmd *cobra.Command, args []string) {
		hosts, err := client.ListHosts(cmd.Context())
		if err != nil {
			fatalf("listing hosts: %v", err)
		}
		if len(hosts) == 0 {
			fmt.Println("no hosts registered")
			return
		}
		for _, host := range hosts {
			fmt.Println(host)
		}
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [job-id]",
	Short: "Show a job's retained status history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := descriptor.ParseJobId(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		events, err := client.JobHistory(cmd.Context(), id)
		if err != nil {
			fatalf("fetching history: %v", err)
		}
		if len(events) == 0 {
			fmt.Println("no history recorded")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSTATE\tTHROTTLED")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02T15:04:05"), e.Status.State, e.Status.Throttled)
		}
		w.Flush()
	},
}
