package controllers

import (
	"net/http"
	"strconv"

	"caresim/models"
	"caresim/services"

	"github.com/gin-gonic/gin"
)

type ChatController struct {
	chatService *services.ChatService
}

func NewChatController(chatService *services.ChatService) *ChatController {
	return &ChatController{chatService: chatService}
}

func (cc *ChatController) CreateChat(c *gin.Context) {
	userID, exists := getUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, err := cc.chatService.CreateChat(c.Request.Context(), userID, &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": chat})
}

func (cc *ChatController) GetUserChats(c *gin.Context) {
	userID, exists := getUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	chats, total, err := cc.chatService.ListChats(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	summaries := make([]models.ChatSummary, 0, len(chats))
	for i := range chats {
		summaries = append(summaries, chats[i].Summary())
	}

	c.JSON(http.StatusOK, gin.H{
		"data": summaries,
		"pagination": gin.H{
			"limit":  limit,
			"offset": offset,
			"count":  len(summaries),
			"total":  total,
		},
	})
}

func (cc *ChatController) GetChat(c *gin.Context) {
	userID, exists := getUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	chatID, ok := parseID(c)
	if !ok {
		return
	}

	chat, err := cc.chatService.GetChat(c.Request.Context(), chatID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": chat})
}

func (cc *ChatController) DeleteChat(c *gin.Context) {
	userID, exists := getUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	chatID, ok := parseID(c)
	if !ok {
		return
	}

	if err := cc.chatService.DeleteChat(c.Request.Context(), chatID, userID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Chat deleted successfully"})
}

// SendMessage accepts a learner message; the resident's reply arrives later
// via the websocket or the next read of the chat.
func (cc *ChatController) SendMessage(c *gin.Context) {
	userID, exists := getUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	chatID, ok := parseID(c)
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := cc.chatService.SubmitMessage(c.Request.Context(), chatID, userID, req.Message, req.IsAction)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":    "Message is being processed",
		"processing": result.Accepted,
		"data":       result.Chat,
	})
}

func (cc *ChatController) GetHelp(c *gin.Context) {
	userID, exists := getUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	chatID, ok := parseID(c)
	if !ok {
		return
	}

	result, err := cc.chatService.RequestHelp(c.Request.Context(), chatID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	message := "Help request is being processed"
	if result.AlreadyProcessing {
		message = "Help request is still being processed"
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":            message,
		"processing":         true,
		"turn":               result.Turn,
		"already_processing": result.AlreadyProcessing,
	})
}

func (cc *ChatController) Grade(c *gin.Context) {
	userID, exists := getUserID(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	chatID, ok := parseID(c)
	if !ok {
		return
	}

	result, err := cc.chatService.Grade(c.Request.Context(), chatID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	switch {
	case result.AlreadyGraded:
		c.JSON(http.StatusOK, gin.H{
			"message":        "Chat was already graded",
			"already_graded": true,
			"grading":        result.Grading,
		})
	case result.InProgress:
		c.JSON(http.StatusAccepted, gin.H{
			"message":     "Grading is still in progress",
			"processing":  true,
			"in_progress": true,
		})
	default:
		c.JSON(http.StatusAccepted, gin.H{
			"message":    "Grading is being processed",
			"processing": true,
		})
	}
}
