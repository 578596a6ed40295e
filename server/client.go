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
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

////////////////////////////////////////////////////////////////////////
// Client
////////////////////////////////////////////////////////////////////////

// Client is the middleman between the websocket connection and the server
type Client struct {
	server        *Server
	conn          *websocket.Conn
	remoteAddr    string
	msgChan       chan []byte   // Client receives msgs from channel and sends to the websocket connection
	done          chan struct{} // closed by the hub when the client is removed
	subscriptions *BitArray     // immutable, replaced by the hub
}

func newClient(server *Server, conn *websocket.Conn) *Client {
	return &Client{
		server:        server,
		conn:          conn,
		remoteAddr:    conn.RemoteAddr().String(),
		msgChan:       make(chan []byte, 256),
		done:          make(chan struct{}),
		subscriptions: NewBitArray(2048),
	}
}

//
// Read Pump
//

func (client *Client) readPump() {
	log := client.server.Logger.With("remote", client.remoteAddr)
	for {
		messageType, p, err := client.conn.ReadMessage()
		if err != nil {
			client.requestRemove()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				log.Warn("websocket closed unexpectedly", "error", err)
			} else {
				log.Debug("websocket closed")
			}
			return
		} else if messageType != websocket.TextMessage {
			client.requestRemove()
			log.Warn("websocket received a non-text message", "type", messageType)
			return
		}

		var msg interface{}
		if err := json.Unmarshal(p, &msg); err != nil {
			log.Warn("websocket received a non-json message", "message", string(p))
			continue
		}

		msgObject, ok := msg.(map[string]interface{})
		if !ok {
			log.Warn("websocket received a json message that was not an object", "message", string(p))
			continue
		}

		msgVerb, ok := msgObject["request"].(string)
		if !ok {
			log.Warn("websocket received a json message object with no request verb", "message", string(p))
			continue
		}
		msgToken := msgObject["token"]

		var err1 error
		switch msgVerb {
		case "ping":
			sendJSON(GenericResponse{Response: "ping", Token: msgToken}, client)
		case "subscribe", "unsubscribe":
			var req SubscribeRequest
			if err1 = json.Unmarshal(p, &req); err1 == nil {
				op := opSubscribe
				if msgVerb == "unsubscribe" {
					op = opUnsubscribe
				}
				client.requestUpdate(&updateClientSubscriptionsMsg{client: client, op: op, token: req.Token, apids: req.APIDs})
			}
		case "report-subscriptions":
			client.requestUpdate(&updateClientSubscriptionsMsg{client: client, op: opReport, token: msgToken})
		default:
			err1 = fmt.Errorf("request %q has no handler", msgVerb)
		}

		if err1 != nil {
			log.Warn("websocket error processing request", "request", msgVerb, "error", err1)
			sendJSON(ErrorResponse{Response: msgVerb, Token: msgToken, Error: err1.Error()}, client)
		}
	}
}

//
// Write Pump
//

func (client *Client) writePump() {
	for {
		select {
		case <-client.done:
			return
		case msg := <-client.msgChan:
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if err != websocket.ErrCloseSent {
					client.server.Logger.Warn("websocket error on write", "remote", client.remoteAddr, "error", err)
				}
				client.requestRemove()
				return
			}
		}
	}
}

func (client *Client) requestRemove() {
	select {
	case client.server.removeClientChan <- client:
	case <-client.done:
	case <-client.server.done:
	}
}

func (client *Client) requestUpdate(msg *updateClientSubscriptionsMsg) {
	select {
	case client.server.updateClientSubscriptionsChan <- msg:
	case <-client.done:
	case <-client.server.done:
	}
}

//
// Message Helper Functions
//

// send a message to one or more clients. A client whose queue is full
// misses the message.
func send(msg []byte, clients ...*Client) {
	for _, client := range clients {
		select {
		case client.msgChan <- msg:
		case <-client.done:
		default:
			client.server.Metrics.websocketDropped.Inc()
		}
	}
}

// sendJSON to one or more clients
func sendJSON(msg interface{}, clients ...*Client) {
	if len(clients) < 1 {
		return
	}
	bytes, err := json.Marshal(msg)
	if err != nil {
		clients[0].server.Logger.Error("preparing json for a message", "error", err)
		return
	}
	send(bytes, clients...)
}

//
// Public Websocket Message Templates
//

// GenericResponse is a message template
type GenericResponse struct {
	Response string      `json:"response"`
	Token    interface{} `json:"token"`
}

// SubscribeRequest is used for both subscribe and unsubscribe
type SubscribeRequest struct {
	Request string      `json:"request"`
	Token   interface{} `json:"token"`
	APIDs   []int       `json:"apids"`
}

// SubscribeResponse is a message template
type SubscribeResponse struct {
	Response string      `json:"response"`
	Token    interface{} `json:"token"`
	Status   string      `json:"status"`
	BadAPIDs []int       `json:"bad_apids,omitempty"`
}

// ErrorResponse is a generic message template
type ErrorResponse struct {
	Response string      `json:"response"`
	Token    interface{} `json:"token"`
	Error    string      `json:"error"`
}

// ReportSubscriptionsResponse lists the APIDs a client is subscribed to
type ReportSubscriptionsResponse struct {
	Response string      `json:"response"`
	Token    interface{} `json:"token"`
	APIDs    []int       `json:"apids"`
}

// PacketMessage carries one packet to its subscribers. Data is the whole
// packet, base64 encoded.
type PacketMessage struct {
	Response      string `json:"response"`
	Job           string `json:"job"`
	APID          int    `json:"apid"`
	Type          string `json:"type"`
	SequenceFlags int    `json:"sequence_flags"`
	SequenceCount int    `json:"sequence_count"`
	Service       int    `json:"service,omitempty"`
	Subservice    int    `json:"subservice,omitempty"`
	Time          string `json:"time,omitempty"`
	Data          []byte `json:"data"`
}

//
// Public REST Message Templates
//

// RestErrorResponse is a message template
type RestErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ReportTemplate is the response of /report
type ReportTemplate struct {
	Version         string                      `json:"version"`
	Connections     []ReportWebsocketConnection `json:"connections"`
	ConnectionCount int                         `json:"connection_count"`
	Jobs            []JobInfo                   `json:"jobs"`
}

// ReportWebsocketConnection describes one websocket client
type ReportWebsocketConnection struct {
	Address           string `json:"address"`
	SubscriptionCount int    `json:"subscription_count"`
	APIDs             []int  `json:"apids"`
}

//
// Internal Message Templates
//

type subscriptionOp int

const (
	opSubscribe subscriptionOp = iota
	opUnsubscribe
	opReport
)

func (op subscriptionOp) String() string {
	switch op {
	case opSubscribe:
		return "subscribe"
	case opUnsubscribe:
		return "unsubscribe"
	}
	return "report-subscriptions"
}

type updateClientSubscriptionsMsg struct {
	client *Client
	op     subscriptionOp
	token  interface{}
	apids  []int
}
