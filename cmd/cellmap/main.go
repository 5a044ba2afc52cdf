// Copyright ©2024 The cellmap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// cellmap classifies single-cell gene-expression profiles against a
// reference taxonomy of cell types. The pipeline runs in four stages,
// one subcommand each: precompute summarizes the reference matrix into
// per-cluster statistics, score-markers scores every sibling-pair gene
// for differential expression, select-markers greedily picks per-node
// marker genes intersected with the query vocabulary, and classify
// walks each query cell down the taxonomy with a bootstrapped
// correlation vote.
//
// Every subcommand reads its settings from a JSON or YAML config file
// given with --config_path, overridable by CELLMAP_-prefixed
// environment variables and command-line flags.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kortschak/cellmap/internal/cmdutil"
	"github.com/kortschak/cellmap/internal/config"
)

// Version is stamped into result metadata.
const Version = "0.1.0"

var (
	configPath string
	resultPath string
	logPath    string
	localTmp   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cellmap",
		Short:         "hierarchical cell-type classification against a reference taxonomy",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config_path", "", "path to the stage config file (json or yaml)")
	cmd.PersistentFlags().StringVar(&resultPath, "result_path", "", "path to write the stage's output artifact")
	cmd.PersistentFlags().StringVar(&logPath, "log_path", "", "path to append the run log to")
	cmd.PersistentFlags().StringVar(&localTmp, "local_tmp", "", "scratch directory for on-disk transposes")

	cmd.AddCommand(precomputeCmd())
	cmd.AddCommand(scoreMarkersCmd())
	cmd.AddCommand(selectMarkersCmd())
	cmd.AddCommand(classifyCmd())
	return cmd
}

// stage wraps a subcommand body with the shared setup and failure
// handling: config loading, logger construction, and a traceback
// appended to the log for any error escaping the body before the
// nonzero exit propagates.
func stage(name string, body func(cmd *cobra.Command, l *config.Loader, lg *cmdutil.Logger) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		lg, err := cmdutil.NewLogger(logPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return err
		}
		defer lg.Close()
		defer func() {
			if r := recover(); r != nil {
				lg.Traceback(fmt.Errorf("%s: panic: %v", name, r))
				panic(r)
			}
		}()

		l, err := config.NewLoader(configPath)
		if err != nil {
			lg.Errorf("%v", err)
			return err
		}
		if err := l.BindFlags(cmd.Flags()); err != nil {
			lg.Errorf("%v", err)
			return err
		}
		if err := l.BindFlags(cmd.InheritedFlags()); err != nil {
			lg.Errorf("%v", err)
			return err
		}

		if err := body(cmd, l, lg); err != nil {
			lg.Traceback(fmt.Errorf("%s: %w", name, err))
			return err
		}
		return nil
	}
}
