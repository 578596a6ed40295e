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
	"fmt"
	"io"
	"log/slog"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/uviespace/CCS-sub002/ccsds"
)

// expandArgs expands ~ and glob patterns in the file arguments. A pattern
// matching nothing is an error.
func expandArgs(args []string) ([]string, error) {
	var files []string
	for _, basePattern := range args {
		pat := basePattern
		if strings.HasPrefix(pat, "~/") {
			if usr, err := user.Current(); err == nil {
				pat = filepath.Join(usr.HomeDir, pat[2:])
			}
		}
		matches, err := filepath.Glob(pat)
		if err != nil {
			return nil, fmt.Errorf("error expanding file pattern %s: %w", pat, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %s", basePattern)
		}
		files = append(files, matches...)
	}
	return files, nil
}

// PacketFileCallback passes every packet of the given files to callback.
// With nctrs set the files hold NCTRS frame containers, otherwise raw
// packets. Idle packets are dropped either way.
func PacketFileCallback(files []string, nctrs bool, callback func(fname string, p ccsds.Packet) error) error {
	for _, fname := range files {
		fn := func(p ccsds.Packet) error { return callback(fname, p) }
		if !nctrs {
			if err := (ccsds.PacketFile{Filename: fname}).Iterate(ccsds.DropIdle(fn)); err != nil {
				return err
			}
			continue
		}
		rc, err := ccsds.OpenFile(fname)
		if err != nil {
			return err
		}
		stats, err := ccsds.Demux(rc, fn, cfg.DemuxerOptions()...)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", fname, err)
		}
		logStats(fname, stats)
	}
	return nil
}

func logStats(fname string, stats ccsds.Stats) {
	slog.Info("demultiplexed", "file", fname, "frames", stats.Frames, "packets", stats.Packets,
		"idle", stats.IdlePackets, "crc_errors", stats.CRCErrors, "trash_bytes", stats.TrashBytes,
		"dropped_frames", stats.DroppedFrames)
	if stats.Truncated || len(stats.Remainder) > 0 {
		slog.Warn("stream ends inside a container or packet", "file", fname, "remainder", len(stats.Remainder))
	}
}

// bpsReader slows reads down to a given number of bits per second
type bpsReader struct {
	r         io.Reader
	bps       int
	totalBits int64
	startTime time.Time
}

func newBPSReader(r io.Reader, bps int) *bpsReader {
	return &bpsReader{r: r, bps: bps, startTime: time.Now()}
}

func (b *bpsReader) Read(p []byte) (int, error) {
	if b.bps <= 0 {
		return b.r.Read(p)
	}
	// Insert the governor
	targetTime := b.startTime.Add(time.Duration(float64(b.totalBits) / float64(b.bps) * float64(time.Second)))
	time.Sleep(time.Until(targetTime))
	n, err := b.r.Read(p)
	b.totalBits += 8 * int64(n)
	return n, err
}
