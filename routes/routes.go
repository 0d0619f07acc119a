package routes

import (
	"net/http"

	"caresim/controllers"
	"caresim/handlers"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(
	r *gin.Engine,
	auth gin.HandlerFunc,
	userController *controllers.UserController,
	authController *controllers.AuthController,
	chatController *controllers.ChatController,
	w *handlers.WebSocketHandler,
) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", authController.Register)
			authGroup.POST("/login", authController.Login)
			authGroup.GET("/me", auth, authController.Me)
			authGroup.GET("/ws", auth, w.HandleWebSocket)
		}

		users := api.Group("/users")
		users.Use(auth)
		{
			users.PUT("/me", userController.UpdateProfile)
		}

		chats := api.Group("/chats")
		chats.Use(auth)
		{
			chats.POST("", chatController.CreateChat)
			chats.GET("", chatController.GetUserChats)
			chats.GET("/:id", chatController.GetChat)
			chats.DELETE("/:id", chatController.DeleteChat)
			chats.POST("/:id/send-message", chatController.SendMessage)
			chats.POST("/:id/get-help", chatController.GetHelp)
			chats.POST("/:id/grade", chatController.Grade)
		}
	}
}
