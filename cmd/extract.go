// Copyright © 2018 NAME HERE <EMAIL ADDRESS>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uviespace/CCS-sub002/ccsds"
)

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract FILES...",
	Short: "Extract packets from NCTRS frame files into .tmpool files",
	Long: `Each input file holds NCTRS containers of transfer frames. The packets
found in the frames are written, without idle packets, to a .tmpool file
of the same base name in the output directory. Files are processed in
parallel, each by its own demultiplexer.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := expandArgs(args)
		if err != nil {
			return err
		}
		_, err = extractFiles(cmd.Context(), files, extractDir, extractJobs)
		return err
	},
}

var extractDir string
var extractJobs int

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVarP(&extractDir, "outdir", "o", ".", "target directory for .tmpool files")
	extractCmd.Flags().IntVarP(&extractJobs, "jobs", "j", 4, "number of files processed in parallel")
}

// poolName maps an input file name to its .tmpool output name
func poolName(dir, fname string) string {
	base := strings.TrimSuffix(filepath.Base(fname), ".gz")
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, base+".tmpool")
}

// extractFiles demultiplexes every file into dir and returns the per-file
// statistics in input order.
func extractFiles(ctx context.Context, files []string, dir string, jobs int) ([]ccsds.Stats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, fmt.Errorf("creating the output directory %s: %w", dir, err)
	}

	stats := make([]ccsds.Stats, len(files))
	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, fname := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			st, err := extractFile(fname, poolName(dir, fname))
			if err != nil {
				return err
			}
			stats[i] = st
			logStats(fname, st)
			return nil
		})
	}
	return stats, g.Wait()
}

func extractFile(in, out string) (stats ccsds.Stats, err error) {
	rc, err := ccsds.OpenFile(in)
	if err != nil {
		return stats, err
	}
	defer rc.Close()

	f, err := os.Create(out)
	if err != nil {
		return stats, fmt.Errorf("creating %s: %w", out, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	w := bufio.NewWriter(f)
	stats, err = ccsds.Demux(rc, func(p ccsds.Packet) error {
		_, err := w.Write(p)
		return err
	}, cfg.DemuxerOptions()...)
	if err != nil {
		return stats, fmt.Errorf("%s: %w", in, err)
	}
	slog.Debug("wrote pool", "file", out, "packets", stats.Packets)
	return stats, w.Flush()
}
