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
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/uviespace/CCS-sub002/ccsds"
)

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:   "dump FILES...",
	Short: "List packet headers of packet or frame files",
	Long: `Prints one line per packet with its primary and secondary header
fields. Raw parameter values can be added with --param PTC:PFC:BYTE[:BIT]
or with a parameter table (--params), whose entries are matched by APID.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := expandArgs(args)
		if err != nil {
			return err
		}
		var params []ccsds.ParameterInfo
		for _, s := range dumpParams {
			p, err := parseParamSpec(s)
			if err != nil {
				return err
			}
			params = append(params, p)
		}
		var table *ccsds.ParameterTable
		if dumpTable != "" {
			if table, err = ccsds.LoadParameterTable(dumpTable); err != nil {
				return err
			}
		}
		w := bufio.NewWriter(cmd.OutOrStdout())
		defer w.Flush()
		d := dumper{w: w, profile: cfg.HeaderProfile(), formats: ccsds.DefaultFormats(), params: params, table: table, apids: dumpAPIDs}
		return PacketFileCallback(files, dumpNCTRS, d.dump)
	},
}

var dumpNCTRS bool
var dumpParams []string
var dumpTable string
var dumpAPIDs []int

func init() {
	rootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().BoolVar(&dumpNCTRS, "nctrs", false, "the files contain NCTRS frame containers instead of packets")
	dumpCmd.Flags().StringArrayVar(&dumpParams, "param", nil, "raw parameter to print, PTC:PFC:BYTE[:BIT]")
	dumpCmd.Flags().StringVar(&dumpTable, "params", "", "parameter table (json, optionally gzipped)")
	dumpCmd.Flags().IntSliceVar(&dumpAPIDs, "apid", nil, "only list these APIDs")
}

// parseParamSpec parses PTC:PFC:BYTE[:BIT]
func parseParamSpec(s string) (ccsds.ParameterInfo, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return ccsds.ParameterInfo{}, fmt.Errorf("parameter %q: want PTC:PFC:BYTE[:BIT]", s)
	}
	nums := make([]int, 4)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return ccsds.ParameterInfo{}, fmt.Errorf("parameter %q: bad number %q", s, part)
		}
		nums[i] = n
	}
	p := ccsds.ParameterInfo{Name: s, APID: -1, PTC: nums[0], PFC: nums[1], ByteOffset: uint(nums[2]), BitOffset: uint(nums[3])}
	if _, err := ccsds.LookupFormat(p.PTC, p.PFC); err != nil {
		return ccsds.ParameterInfo{}, fmt.Errorf("parameter %q: %w", s, err)
	}
	return p, nil
}

type dumper struct {
	w       io.Writer
	profile ccsds.HeaderProfile
	formats ccsds.FormatTable
	params  []ccsds.ParameterInfo
	table   *ccsds.ParameterTable
	apids   []int
}

func (d dumper) wanted(apid int) bool {
	if len(d.apids) == 0 {
		return true
	}
	for _, a := range d.apids {
		if a == apid {
			return true
		}
	}
	return false
}

func (d dumper) dump(fname string, p ccsds.Packet) error {
	if !d.wanted(p.APID()) {
		return nil
	}
	fmt.Fprintf(d.w, "%s apid=%d type=%s seq=%d flags=%d len=%d", fname, p.APID(), p.Type(), p.SequenceCount(), p.SequenceFlags(), p.Length())
	h, err := ccsds.ParseHeader(p, d.profile)
	switch {
	case err != nil:
		fmt.Fprintf(d.w, " header_error=%q", err)
	case h.TM != nil:
		fmt.Fprintf(d.w, " svc=%d/%d dest=%d time=%s", h.TM.ServiceType, h.TM.ServiceSubtype, h.TM.DestinationID, d.profile.Spec().Time.Format(h.TM.Time))
	case h.TC != nil:
		fmt.Fprintf(d.w, " svc=%d/%d src=%d ack=%d", h.TC.ServiceType, h.TC.ServiceSubtype, h.TC.SourceID, h.TC.AckFlags)
	}
	if !ccsds.VerifyPEC(p) {
		fmt.Fprint(d.w, " pec=bad")
	}

	params := d.params
	if d.table != nil {
		params = append(append([]ccsds.ParameterInfo(nil), params...), d.table.ByAPID(p.APID())...)
	}
	for _, param := range params {
		v, err := param.GetRawValue(d.formats, p)
		if err != nil {
			fmt.Fprintf(d.w, " %s=?", param.Name)
			continue
		}
		fmt.Fprintf(d.w, " %s=%v", param.Name, v)
	}
	_, err = fmt.Fprintln(d.w)
	return err
}
