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
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/uviespace/CCS-sub002/ccsds"
)

// csvCmd represents the csv command
var csvCmd = &cobra.Command{
	Use:   "csv FILES...",
	Short: "Generate CSV files from CCSDS packet or frame files",
	Long: `Writes one CSV file per APID into the output directory. Each row holds
the packet's header fields followed by the raw values of the parameters the
parameter table defines for that APID.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := expandArgs(args)
		if err != nil {
			return err
		}
		var table *ccsds.ParameterTable
		if csvTable != "" {
			if table, err = ccsds.LoadParameterTable(csvTable); err != nil {
				return err
			}
		}
		return generateCsvFiles(files, csvPath, table)
	},
}

var csvPath string
var csvTable string
var csvNCTRS bool

func init() {
	rootCmd.AddCommand(csvCmd)

	csvCmd.Flags().StringVarP(&csvPath, "outdir", "o", "./csv", "target directory for csv files")
	csvCmd.Flags().StringVar(&csvTable, "params", "", "parameter table (json, optionally gzipped)")
	csvCmd.Flags().BoolVar(&csvNCTRS, "nctrs", false, "the files contain NCTRS frame containers instead of packets")
}

var csvHeaderColumns = []string{"apid", "type", "sequence_flags", "sequence_count", "length", "service", "subservice", "time"}

func generateCsvFiles(files []string, dir string, table *ccsds.ParameterTable) error {
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return fmt.Errorf("creating the output directory %s: %w", dir, err)
	}

	profile := cfg.HeaderProfile()
	formats := ccsds.DefaultFormats()
	writers := writerMap{theMap: make(map[int]*csvWriter), maxOpen: 20}
	defer writers.closeAll()

	startTime := time.Now()
	var packetCount int
	err := PacketFileCallback(files, csvNCTRS, func(fname string, pkt ccsds.Packet) error {
		packetCount++
		apid := pkt.APID()

		writer, ok := writers.theMap[apid]
		if !ok {
			var params []ccsds.ParameterInfo
			if table != nil {
				params = table.ByAPID(apid)
			}
			var err error
			if writer, err = writers.create(filepath.Join(dir, fmt.Sprintf("apid_%04d.csv", apid)), params); err != nil {
				return err
			}
			writers.theMap[apid] = writer
		}

		buf := writer.buffer
		fmt.Fprintf(buf, "%d,%s,%d,%d,%d", apid, pkt.Type(), pkt.SequenceFlags(), pkt.SequenceCount(), pkt.Length())
		h, err := ccsds.ParseHeader(pkt, profile)
		switch {
		case err == nil && h.TM != nil:
			fmt.Fprintf(buf, ",%d,%d,%s", h.TM.ServiceType, h.TM.ServiceSubtype, profile.Spec().Time.Format(h.TM.Time))
		case err == nil && h.TC != nil:
			fmt.Fprintf(buf, ",%d,%d,", h.TC.ServiceType, h.TC.ServiceSubtype)
		default:
			fmt.Fprint(buf, ",,,")
		}
		for _, param := range writer.params {
			v, err := param.GetRawValue(formats, pkt)
			if err != nil {
				slog.Debug("extracting parameter", "file", fname, "param", param.Name, "error", err)
				fmt.Fprint(buf, ",")
				continue
			}
			fmt.Fprintf(buf, ",%v", v)
		}
		fmt.Fprintln(buf)
		return writers.flushMaybe(writer)
	})
	if err != nil {
		return err
	}
	if err := writers.closeAll(); err != nil {
		return err
	}

	elapsed := time.Since(startTime)
	slog.Info("csv export finished", "packets", packetCount, "files", len(writers.theMap), "elapsed", elapsed)
	return nil
}

//
// csvWriter
//

type csvWriter struct {
	file      *os.File
	filename  string
	buffer    *bytes.Buffer
	age       int
	threshold int
	params    []ccsds.ParameterInfo
}

func (writer *csvWriter) close() error {
	if writer.file == nil {
		return nil
	}
	err := writer.file.Close()
	writer.file = nil
	if err != nil {
		return fmt.Errorf("closing %s: %w", writer.filename, err)
	}
	return nil
}

//
// A map between apids and csvWriters that keeps at most maxOpen files open
//

type writerMap struct {
	theMap  map[int]*csvWriter
	maxOpen int
	clock   int
}

// create truncates the file and buffers its column header line
func (m *writerMap) create(filename string, params []ccsds.ParameterInfo) (*csvWriter, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filename, err)
	}
	writer := &csvWriter{filename: filename, buffer: bytes.NewBuffer(make([]byte, 0, 2048)), threshold: 1 << 16, params: params}
	for i, col := range csvHeaderColumns {
		if i > 0 {
			writer.buffer.WriteByte(',')
		}
		writer.buffer.WriteString(col)
	}
	for _, p := range params {
		fmt.Fprintf(writer.buffer, ",%s", p.Name)
	}
	writer.buffer.WriteByte('\n')
	return writer, nil
}

func (m *writerMap) flushMaybe(writer *csvWriter) error {
	if writer.buffer.Len() > writer.threshold {
		return m.flush(writer)
	}
	return nil
}

func (m *writerMap) flush(writer *csvWriter) error {
	if writer.buffer.Len() < 1 {
		return nil
	}
	m.clock++
	writer.age = m.clock
	if writer.file == nil {
		if oldest := m.leastRecentlyUsed(); oldest != nil && oldest != writer {
			if err := oldest.close(); err != nil {
				return err
			}
		}
		file, err := os.OpenFile(writer.filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening %s: %w", writer.filename, err)
		}
		writer.file = file
	}
	if _, err := writer.buffer.WriteTo(writer.file); err != nil {
		return fmt.Errorf("writing to %s: %w", writer.filename, err)
	}
	return nil
}

// leastRecentlyUsed returns the open writer flushed longest ago, or nil while
// fewer than maxOpen files are open.
func (m *writerMap) leastRecentlyUsed() *csvWriter {
	if m.openCount() < m.maxOpen {
		return nil
	}

	age := math.MaxInt
	var oldest *csvWriter
	for _, writer := range m.theMap {
		if writer.file != nil && writer.age < age {
			age = writer.age
			oldest = writer
		}
	}
	return oldest
}

func (m *writerMap) openCount() int {
	n := 0
	for _, writer := range m.theMap {
		if writer.file != nil {
			n++
		}
	}
	return n
}

func (m *writerMap) closeAll() error {
	var first error
	for _, writer := range m.theMap {
		if err := m.flush(writer); err != nil && first == nil {
			first = err
		}
		if err := writer.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
