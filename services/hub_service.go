package services

import (
	"encoding/json"

	"caresim/models"

	"go.uber.org/zap"
)

// HubService fans chat updates out to the owner's websocket clients. All
// client bookkeeping happens on the Run goroutine.
type HubService struct {
	hub *models.Hub
	log *zap.Logger
}

func NewHubService(log *zap.Logger) *HubService {
	service := &HubService{hub: models.NewHub(), log: log.Named("hub")}

	go service.Run()

	return service
}

func (h *HubService) GetHub() *models.Hub {
	return h.hub
}

func (h *HubService) Run() {
	for {
		select {
		case client := <-h.hub.Register:
			h.registerClient(client)

		case client := <-h.hub.Unregister:
			h.unregisterClient(client)

		case env := <-h.hub.Direct:
			h.sendToUser(env)
		}
	}
}

func (h *HubService) registerClient(client *models.Client) {
	h.hub.Clients[client] = true
	h.hub.UserClients[client.UserID] = append(h.hub.UserClients[client.UserID], client)
	h.log.Debug("client registered", zap.String("client_id", client.ID), zap.Uint("user_id", client.UserID))
}

func (h *HubService) unregisterClient(client *models.Client) {
	if _, ok := h.hub.Clients[client]; !ok {
		return
	}
	delete(h.hub.Clients, client)
	close(client.Send)

	clients := h.hub.UserClients[client.UserID]
	for i, c := range clients {
		if c == client {
			clients = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(clients) == 0 {
		delete(h.hub.UserClients, client.UserID)
	} else {
		h.hub.UserClients[client.UserID] = clients
	}
	h.log.Debug("client unregistered", zap.String("client_id", client.ID), zap.Uint("user_id", client.UserID))
}

func (h *HubService) sendToUser(env models.Envelope) {
	var slow []*models.Client
	for _, client := range h.hub.UserClients[env.UserID] {
		select {
		case client.Send <- env.Payload:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		h.unregisterClient(client)
	}
}

func (h *HubService) BroadcastToUser(userID uint, messageType string, data interface{}) {
	messageBytes, err := json.Marshal(models.WSMessage{Type: messageType, Data: data})
	if err != nil {
		h.log.Error("marshal websocket message", zap.Error(err))
		return
	}

	select {
	case h.hub.Direct <- models.Envelope{UserID: userID, Payload: messageBytes}:
	default:
		h.log.Warn("hub backlog full, dropping update", zap.Uint("user_id", userID), zap.String("type", messageType))
	}
}

// ChatUpdated pushes the committed chat to its owner.
func (h *HubService) ChatUpdated(chat *models.Chat) {
	h.BroadcastToUser(chat.UserID, models.WSChatUpdated, chat)
}
