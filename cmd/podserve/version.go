package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		short, _ := cmd.Flags().GetBool("short")
		if short {
			fmt.Println(version)
			return
		}
		fmt.Printf("podserve v%s\n", version)
		fmt.Println("Container supervisor for pod infrastructure services")
	},
}

func init() {
	versionCmd.Flags().BoolP("short", "s", false, "Show only version number")
}
