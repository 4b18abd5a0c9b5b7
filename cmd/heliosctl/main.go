// Command heliosctl is the operator CLI for the Helios control plane,
// talking to a helios-master over HTTP. Its command structure follows
// ORCA's cmd/orcacli (one cobra subcommand per RPC operation, a
// --server flag, a banner on the root command).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heliosproject/helios/pkg/heliosclient"
)

const (
	defaultServerURL = "http://localhost:5801"

	banner = `
 _          _ _
| |__   ___| (_) ___  ___
| '_ \ / _ \ | |/ _ \/ __|
| | | |  __/ | | (_) \__ \
|_| |_|\___|_|_|\___/|___/

Helios control plane CLI
`
)

var (
	serverURL string
	client    *heliosclient.Client

	rootCmd = &cobra.Command{
		Use:   "heliosctl",
		Short: "Helios control plane CLI",
		Long: banner + `
Create and deploy jobs against a helios-master, inspect host status, and
read a job's history trail.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			client = heliosclient.New(serverURL)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL, "helios-master URL")

	rootCmd.AddCommand(createJobCmd)
	rootCmd.AddCommand(getJobCmd)
	rootCmd.AddCommand(listJobsCmd)
	rootCmd.AddCommand(removeJobCmd)

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(setGoalCmd)
	rootCmd.AddCommand(undeployCmd)

	rootCmd.AddCommand(hostStatusCmd)
	rootCmd.AddCommand(listHostsCmd)

	rootCmd.AddCommand(historyCmd)

	rootCmd.AddCommand(localstoreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
