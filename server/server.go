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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/uviespace/CCS-sub002/ccsds"
	"github.com/uviespace/CCS-sub002/config"
)

//
// Server
//

// Server accepts uploaded streams as demultiplexing jobs and forwards the
// extracted packets to websocket clients subscribed to their APIDs
type Server struct {
	// Configuration
	Config          *config.Config
	WebsocketPrefix string
	Logger          *slog.Logger

	Registry *Registry
	Metrics  *Metrics

	// Internal state
	clients  map[*websocket.Conn]*Client                  // owned by handleSubscriptions()
	dispatch [ccsds.IdleAPID]atomic.Pointer[apidDispatch] // nil means no subscriptions, updated by handleSubscriptions()

	// Channels
	packetChan                    chan jobPacket // packets of running jobs
	addClientChan                 chan *Client
	removeClientChan              chan *Client
	updateClientSubscriptionsChan chan *updateClientSubscriptionsMsg
	reportChan                    chan chan []ReportWebsocketConnection

	done <-chan struct{}
}

// New creates a server for the given configuration. Start must be called
// before its router serves requests.
func New(cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Server{
		Config:                        cfg,
		WebsocketPrefix:               "/realtime/",
		Logger:                        slog.Default(),
		Registry:                      NewRegistry(cfg.Server.MaxJobs),
		Metrics:                       NewMetrics(),
		clients:                       make(map[*websocket.Conn]*Client),
		packetChan:                    make(chan jobPacket, 300),
		addClientChan:                 make(chan *Client, 20),
		removeClientChan:              make(chan *Client, 20),
		updateClientSubscriptionsChan: make(chan *updateClientSubscriptionsMsg, 20),
		reportChan:                    make(chan chan []ReportWebsocketConnection),
	}
}

// Start launches the subscription hub and the packet pump. They stop when
// ctx is cancelled.
func (server *Server) Start(ctx context.Context) {
	server.done = ctx.Done()
	go server.handleSubscriptions(ctx)
	go server.packetPump(ctx)
}

// Router returns the HTTP routes of the server
func (server *Server) Router() *mux.Router {
	m := server.Metrics
	router := mux.NewRouter()

	router.HandleFunc("/jobs", m.InstrumentHandler("/jobs", server.handleCreateJob)).Methods("POST")
	router.HandleFunc("/jobs", m.InstrumentHandler("/jobs", server.handleListJobs)).Methods("GET")
	router.HandleFunc("/jobs/{id}", m.InstrumentHandler("/jobs/{id}", server.handleGetJob)).Methods("GET")
	router.HandleFunc("/jobs/{id}", m.InstrumentHandler("/jobs/{id}", server.handleDeleteJob)).Methods("DELETE")
	router.HandleFunc("/jobs/{id}/pool", m.InstrumentHandler("/jobs/{id}/pool", server.handleGetPool)).Methods("GET")
	router.HandleFunc("/report", m.InstrumentHandler("/report", server.handleReport)).Methods("GET")
	router.Handle("/metrics", m.Handler()).Methods("GET")

	// WebSocket
	router.HandleFunc(server.WebsocketPrefix, server.serveWS)

	return router
}

// Run starts the server and serves until ctx is cancelled
func (server *Server) Run(ctx context.Context) error {
	server.Start(ctx)
	return server.Serve(ctx)
}

// Serve listens on the configured address until ctx is cancelled, then shuts
// down gracefully. Start must have been called.
func (server *Server) Serve(ctx context.Context) error {
	addr := server.Config.Addr()
	h := &http.Server{Addr: addr, Handler: server.Router()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.Logger.Info("listening", "addr", addr)
		if err := h.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		server.Logger.Info("shutting down the server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	server.Logger.Info("server gracefully stopped")
	return nil
}

//
// Jobs
//

func (server *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = FormatNCTRS
	}
	info, err := server.Ingest(r.Context(), format, r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BadFormat", err.Error())
		return
	}
	status := http.StatusCreated
	if info.Status == JobFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, r, status, info)
}

// Ingest runs a job over body and publishes its packets to the realtime
// subscribers. It returns once body is exhausted or ctx is cancelled.
func (server *Server) Ingest(ctx context.Context, format string, body io.Reader) (JobInfo, error) {
	job, ctx, err := server.Registry.Start(ctx, format)
	if err != nil {
		return JobInfo{}, err
	}
	log := server.Logger.With("job", job.ID.String())
	log.Info("job started", "format", format)

	server.Metrics.jobsRunning.Inc()
	info := job.Run(ctx, body, server.Config.CRCPolicy(), server.Config.DemuxerOptions(), func(p ccsds.Packet) {
		server.publish(ctx, job.ID.String(), p)
	})
	server.Metrics.jobsRunning.Dec()
	server.Metrics.RecordJob(info)

	log.Info("job finished", "status", info.Status, "packets", info.Stats.Packets,
		"crc_errors", info.Stats.CRCErrors, "trash_bytes", info.Stats.TrashBytes,
		"dropped_frames", info.Stats.DroppedFrames)
	if info.Error != "" {
		log.Warn("job error", "error", info.Error)
	}
	return info, nil
}

func (server *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, server.Registry.List())
}

func (server *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := server.Registry.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, r, http.StatusNotFound, "JobNotFound", "Job not found")
		return
	}
	writeJSON(w, r, http.StatusOK, job.Info())
}

func (server *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	job, ok := server.Registry.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, r, http.StatusNotFound, "JobNotFound", "Job not found")
		return
	}
	pool := job.Pool()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID.String()+".tmpool"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pool); err != nil {
		server.Logger.Warn("writing pool", "job", job.ID.String(), "error", err)
	}
}

func (server *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !server.Registry.Remove(id) {
		writeError(w, r, http.StatusNotFound, "JobNotFound", "Job not found")
		return
	}
	server.Logger.Info("job removed", "job", id)
	w.WriteHeader(http.StatusNoContent)
}

//
// HandleReport
//

func (server *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	reply := make(chan []ReportWebsocketConnection, 1)
	select {
	case server.reportChan <- reply:
	case <-server.done:
		writeError(w, r, http.StatusServiceUnavailable, "ShuttingDown", "Server is shutting down")
		return
	}
	connections := <-reply
	writeJSON(w, r, http.StatusOK, ReportTemplate{
		Version:         "0.2",
		Connections:     connections,
		ConnectionCount: len(connections),
		Jobs:            server.Registry.List(),
	})
}

//
// WebSocket
//

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (server *Server) serveWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		server.Logger.Warn("websocket upgrade", "error", err)
		return
	}
	client := newClient(server, conn)
	select {
	case server.addClientChan <- client:
	case <-server.done:
		conn.Close()
	}
}

//
// Handle Subscriptions
//

// All management of subscriptions is centralized here. The client map and
// each client's subscription set are only touched by this goroutine. The
// packet pump reads the dispatch table, whose slots are swapped atomically,
// so distributing telemetry is never blocked while subscriptions change.

func (server *Server) handleSubscriptions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, client := range server.clients {
				server.removeClient(client)
			}
			return

		case client := <-server.addClientChan:
			server.clients[client.conn] = client
			server.Metrics.websocketClients.Inc()
			server.Logger.Debug("websocket connected", "remote", client.remoteAddr)
			go client.writePump()
			go client.readPump()

		case client := <-server.removeClientChan:
			if _, ok := server.clients[client.conn]; !ok {
				continue
			}
			server.removeClient(client)
			if !client.subscriptions.IsZero() {
				server.rebuildDispatch(client.subscriptions.APIDs())
			}

		case msg := <-server.updateClientSubscriptionsChan:
			if _, ok := server.clients[msg.client.conn]; !ok {
				continue
			}
			if msg.op == opReport {
				sendJSON(ReportSubscriptionsResponse{Response: "report-subscriptions", Token: msg.token, APIDs: msg.client.subscriptions.APIDs()}, msg.client)
				continue
			}
			server.updateSubscriptions(msg)

		case reply := <-server.reportChan:
			connections := make([]ReportWebsocketConnection, 0, len(server.clients))
			for _, client := range server.clients {
				apids := client.subscriptions.APIDs()
				connections = append(connections, ReportWebsocketConnection{Address: client.remoteAddr, SubscriptionCount: len(apids), APIDs: apids})
			}
			reply <- connections
		}
	}
}

func (server *Server) removeClient(client *Client) {
	delete(server.clients, client.conn)
	close(client.done)
	if err := client.conn.Close(); err != nil {
		server.Logger.Debug("removing client: error closing connection", "remote", client.remoteAddr, "error", err)
	}
	server.Metrics.websocketClients.Dec()
}

func (server *Server) updateSubscriptions(msg *updateClientSubscriptionsMsg) {
	subscriptions := msg.client.subscriptions.Copy()
	touched := make([]int, 0, len(msg.apids))
	badAPIDs := make([]int, 0)
	for _, apid := range msg.apids {
		if apid < 0 || apid >= ccsds.IdleAPID {
			badAPIDs = append(badAPIDs, apid)
			continue
		}
		if msg.op == opSubscribe {
			subscriptions.SetBit(apid)
		} else {
			subscriptions.ClearBit(apid)
		}
		touched = append(touched, apid)
	}
	msg.client.subscriptions = subscriptions
	server.rebuildDispatch(touched)
	server.Logger.Debug("subscriptions updated", "remote", msg.client.remoteAddr, "op", msg.op.String(), "apids", subscriptions.BitCount())

	// Generate a response to the client
	response := SubscribeResponse{Response: msg.op.String(), Token: msg.token, Status: "success"}
	if len(badAPIDs) > 0 {
		response.Status = "error"
		response.BadAPIDs = badAPIDs
	}
	sendJSON(response, msg.client)
}

// rebuildDispatch recomputes the dispatch slots of the given APIDs from the
// current client subscriptions.
func (server *Server) rebuildDispatch(apids []int) {
	for _, apid := range apids {
		var clients []*Client
		for _, client := range server.clients {
			if client.subscriptions.GetBit(apid) {
				clients = append(clients, client)
			}
		}
		if len(clients) == 0 {
			server.dispatch[apid].Store(nil)
		} else {
			server.dispatch[apid].Store(&apidDispatch{clients: clients})
		}
	}
}

// One of these is stored in each slot of the dispatch table. They are
// never modified, only replaced.
type apidDispatch struct {
	clients []*Client
}

//
// Realtime Packet Distribution
//

type jobPacket struct {
	job string
	pkt ccsds.Packet
}

func (server *Server) publish(ctx context.Context, job string, pkt ccsds.Packet) {
	select {
	case server.packetChan <- jobPacket{job: job, pkt: pkt}:
	case <-ctx.Done():
	case <-server.done:
	}
}

func (server *Server) packetPump(ctx context.Context) {
	profile := server.Config.HeaderProfile()
	for {
		select {
		case <-ctx.Done():
			return
		case jp := <-server.packetChan:
			apid := jp.pkt.APID()
			if apid >= ccsds.IdleAPID {
				continue
			}
			d := server.dispatch[apid].Load() // Refetch the table every time
			if d == nil {
				continue
			}
			msg, err := json.Marshal(newPacketMessage(jp, profile))
			if err != nil {
				server.Logger.Error("preparing packet message", "error", err)
				continue
			}
			send(msg, d.clients...)
		}
	}
}

func newPacketMessage(jp jobPacket, profile ccsds.HeaderProfile) PacketMessage {
	msg := PacketMessage{
		Response:      "packet",
		Job:           jp.job,
		APID:          jp.pkt.APID(),
		SequenceFlags: jp.pkt.SequenceFlags(),
		SequenceCount: jp.pkt.SequenceCount(),
		Type:          jp.pkt.Type().String(),
		Data:          jp.pkt,
	}
	h, err := ccsds.ParseHeader(jp.pkt, profile)
	if err != nil {
		return msg
	}
	switch {
	case h.TM != nil:
		msg.Service, msg.Subservice = int(h.TM.ServiceType), int(h.TM.ServiceSubtype)
		msg.Time = profile.Spec().Time.Format(h.TM.Time)
	case h.TC != nil:
		msg.Service, msg.Subservice = int(h.TC.ServiceType), int(h.TC.ServiceSubtype)
	}
	return msg
}

//
// REST helpers
//

func prepareHeader(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	prepareHeader(w, r)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, RestErrorResponse{Error: code, Message: message})
}
