package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var cfgPath string
	var root = &cobra.Command{Use: "council", Short: "Multi-backend collaboration pipeline", SilenceUsage: true}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(serveCMD(&cfgPath), migrateCMD(&cfgPath), runCMD(&cfgPath), resumeCMD(&cfgPath), tailCMD(&cfgPath))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
