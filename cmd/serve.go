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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uviespace/CCS-sub002/ccsds"
	"github.com/uviespace/CCS-sub002/server"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve [FILES...]",
	Short: "Run the demultiplexing job server",
	Long: `Starts the HTTP/WebSocket server. Frame or packet streams posted to /jobs
are demultiplexed and their packets are pushed to subscribed WebSocket
clients. Files given on the command line are replayed as jobs once the
server is up, optionally throttled with --bps.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveFormat != server.FormatNCTRS && serveFormat != server.FormatPool {
			return fmt.Errorf("unknown format %q", serveFormat)
		}
		files, err := expandArgs(args)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("bind") {
			cfg.Server.Bind = serveBind
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serveAndReplay(ctx, server.New(cfg), files)
	},
}

var serveBind string
var servePort int
var serveFormat string
var bitsPerSecond int

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveBind, "bind", "127.0.0.1", "address to listen on")
	serveCmd.Flags().IntVar(&servePort, "port", 8000, "port to listen on")
	serveCmd.Flags().StringVar(&serveFormat, "format", server.FormatNCTRS, "format of replayed files (nctrs or pool)")
	serveCmd.Flags().IntVar(&bitsPerSecond, "bps", 0, "limit replay to bits per second")
}

func serveAndReplay(ctx context.Context, serv *server.Server, files []string) error {
	serv.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serv.Serve(gctx) })
	g.Go(func() error {
		for _, fname := range files {
			if err := replayFile(gctx, serv, fname); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

func replayFile(ctx context.Context, serv *server.Server, fname string) error {
	rc, err := ccsds.OpenFile(fname)
	if err != nil {
		return err
	}
	defer rc.Close()

	info, err := serv.Ingest(ctx, serveFormat, newBPSReader(rc, bitsPerSecond))
	if err != nil {
		return fmt.Errorf("%s: %w", fname, err)
	}
	slog.Info("replayed", "file", fname, "job", info.ID, "status", info.Status, "packets", info.Stats.Packets)
	return nil
}
