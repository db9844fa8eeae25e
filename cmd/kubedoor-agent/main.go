package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

const componentName = "kubedoor-agent"

var rootCmd = &cobra.Command{
	Use:   componentName,
	Short: "Run the KubeDoor in-cluster agent",
	Long:  "",
}

func init() {
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		klog.Exitf("Error executing %s: %v", componentName, err)
		os.Exit(1)
	}
}
