package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set by build flags)
	Version = "0.1.0"
	// GitCommit is the git commit hash (set by build flags)
	GitCommit = "unknown"
	// BuildDate is the build timestamp (set by build flags)
	BuildDate = "unknown"
)

// versionInfo is served on /version and printed by the version command.
type versionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func currentVersion() versionInfo {
	return versionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print detailed version information including Git commit and build date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter(cmd)
		if err != nil {
			return err
		}
		v := currentVersion()
		if p.JSON() {
			return p.Object(v)
		}
		w := stdout(cmd)
		fmt.Fprintf(w, "SpendGuard %s\n", v.Version)
		fmt.Fprintf(w, "Git Commit: %s\n", v.GitCommit)
		fmt.Fprintf(w, "Build Date: %s\n", v.BuildDate)
		fmt.Fprintf(w, "Go Version: %s\n", v.GoVersion)
		fmt.Fprintf(w, "OS/Arch: %s\n", v.Platform)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
