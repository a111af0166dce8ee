// Package main is the entrypoint for the skiff CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eugenetaranov/skiff/internal/config"
	"github.com/eugenetaranov/skiff/internal/executor"
	"github.com/eugenetaranov/skiff/internal/fileset"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug   bool
	noColor bool
)

// Run flags
var (
	dryRun         bool
	full           bool
	skipSync       bool
	skipTasks      bool
	commandTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "skiff",
	Short: "Skiff - push a source tree to a build host and run commands there",
	Long: `Skiff mirrors a local source tree onto a remote host over SSH,
transferring only files whose content changed, then runs the job's
commands in the remote directory and fetches the artifacts they produce.

Hosts can be reached over SSH, inside a docker container, or locally.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetOutput(os.Stderr)
		if debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.WarnLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output with protocol details")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(filesCmd)
}

// runCmd syncs and runs a job
var runCmd = &cobra.Command{
	Use:   "run [skiff.yaml]",
	Short: "Sync the source tree and run the job",
	Long: `Push changed files to the host, run each step in order and
download artifacts. The first failing step stops the job.

Examples:
  skiff run
  skiff run build.yaml --debug
  skiff run --full --command-timeout 10m`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJob,
}

// planCmd shows what run would push
var planCmd = &cobra.Command{
	Use:   "plan [skiff.yaml]",
	Short: "Show which entries would be pushed",
	Long: `Compare the local tree with the host and list the entries a run
would push, without changing anything. Same as "skiff run --dry-run".`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun = true
		return runJob(cmd, args)
	},
}

func init() {
	runCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would be pushed without making changes")
	runCmd.Flags().BoolVar(&full, "full", false, "Push every file without comparing digests")
	runCmd.Flags().BoolVar(&skipSync, "skip-sync", false, "Do not push files")
	runCmd.Flags().BoolVar(&skipTasks, "skip-tasks", false, "Do not run steps or fetch artifacts")
	runCmd.Flags().DurationVar(&commandTimeout, "command-timeout", 0, "Bound each remote command (overrides command_timeout)")

	planCmd.Flags().BoolVar(&full, "full", false, "List every entry without comparing digests")
}

func jobPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return config.DefaultFile
}

func runJob(cmd *cobra.Command, args []string) error {
	path := jobPath(args)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("job file not found: %s", path)
	}

	job, err := config.ParseFile(path)
	if err != nil {
		return fmt.Errorf("failed to parse job: %w", err)
	}

	exec := executor.New()
	exec.Debug = debug
	exec.DryRun = dryRun
	exec.Full = full
	exec.SkipSync = skipSync
	exec.SkipTasks = skipTasks
	exec.CommandTimeout = commandTimeout
	exec.Output.SetColor(!noColor)
	exec.Output.SetDebug(debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

	// Run prints its own failure, so only the exit status is left to set.
	result, err := exec.Run(ctx, job)
	if err != nil || !result.Success {
		os.Exit(1)
	}

	return nil
}

// validateCmd validates job files without running them
var validateCmd = &cobra.Command{
	Use:   "validate [skiff.yaml ...]",
	Short: "Validate one or more job files",
	Long: `Parse and validate job files without connecting anywhere.

This checks for:
  - Valid YAML syntax and known fields
  - Required fields (type, host.name, host.base_dir, code.location)
  - Step and artifact structure
  - Host name syntax

Examples:
  skiff validate
  skiff validate jobs/*.yaml`,
	RunE: validateJobs,
}

func validateJobs(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		args = []string{config.DefaultFile}
	}

	var hasErrors bool
	for _, path := range args {
		if err := validateJob(path); err != nil {
			fmt.Printf("FAIL: %s - %v\n", path, err)
			hasErrors = true
		} else {
			fmt.Printf("OK: %s\n", path)
		}
	}

	if hasErrors {
		return fmt.Errorf("one or more job files failed validation")
	}

	fmt.Printf("\nAll %d job file(s) valid.\n", len(args))
	return nil
}

func validateJob(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("not found")
	}

	job, err := config.ParseFile(path)
	if err != nil {
		return err
	}

	if _, err := job.SourceDir(); err != nil {
		return err
	}
	return nil
}

// filesCmd lists the entries a full push would contain
var filesCmd = &cobra.Command{
	Use:   "files [skiff.yaml]",
	Short: "List the files selected by the job's ignore rules",
	Long: `Enumerate the local source tree with the job's ignore rules applied
and print each entry with its remote path. Nothing is contacted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := config.ParseFile(jobPath(args))
		if err != nil {
			return err
		}

		exec := executor.New()
		exec.Output.SetColor(!noColor)

		entries, err := exec.Enumerate(job)
		if err != nil {
			return err
		}

		for _, e := range entries {
			exec.Output.Entry(e.Kind.String(), e.String())
		}
		fmt.Println()
		fmt.Printf("Total: %d entries (%d files) -> %s\n", len(entries), len(fileset.Files(entries)), job.RemoteRoot())
		return nil
	},
}
