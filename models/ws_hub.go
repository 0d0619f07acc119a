package models

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub holds the websocket clients. Its maps are only touched by the hub
// service's run loop; everything else talks to it through the channels.
type Hub struct {
	Clients     map[*Client]bool
	UserClients map[uint][]*Client
	Direct      chan Envelope
	Register    chan *Client
	Unregister  chan *Client
}

// Envelope is an encoded frame addressed to every client of one user.
type Envelope struct {
	UserID  uint
	Payload []byte
}

type Client struct {
	ID     string
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	UserID uint
}

type WSMessage struct {
	Type     string      `json:"type"`
	Data     interface{} `json:"data"`
	ClientID string      `json:"client_id,omitempty"`
}

const (
	WSClientConnect   = "client_connect"
	WSClientConnected = "client_connected"
	WSChatUpdated     = "chat_updated"
)

func NewHub() *Hub {
	return &Hub{
		Clients:     make(map[*Client]bool),
		UserClients: make(map[uint][]*Client),
		Direct:      make(chan Envelope, 64),
		Register:    make(chan *Client),
		Unregister:  make(chan *Client),
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uint) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Hub:    hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		UserID: userID,
	}
}
