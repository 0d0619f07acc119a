package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"caresim/config"
	"caresim/database"
	"caresim/gateway"
	"caresim/models"
	"caresim/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubGateway struct{}

func (stubGateway) Converse(context.Context, string, []gateway.Message) (string, error) {
	return "I have had this cough for two weeks.", nil
}

func (stubGateway) Help(context.Context, string, []gateway.Message) (string, error) {
	return "Ask about onset.", nil
}

func (stubGateway) Grade(context.Context, string, []gateway.Message) (map[string]any, error) {
	return map[string]any{"score": map[string]any{"percentage": 72.5}}, nil
}

type stubCreds map[uint]string

func (s stubCreds) GatewayToken(_ context.Context, userID uint) (string, error) {
	return s[userID], nil
}

type nopNotifier struct{}

func (nopNotifier) ChatUpdated(*models.Chat) {}

const (
	learner    uint = 1
	noToken    uint = 2
	otherOwner uint = 3
)

type testServer struct {
	router *gin.Engine
	svc    *services.ChatService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zap.NewNop()
	svc := services.NewChatService(
		database.NewMemoryChatStore(),
		stubGateway{},
		stubCreds{learner: "token", otherOwner: "token"},
		services.NewTaskRunner(2, log),
		nopNotifier{},
		services.NewChatStateMachine(config.DefaultTrim(), log),
		log,
	)
	require.NoError(t, svc.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	cc := NewChatController(svc)
	r := gin.New()
	chats := r.Group("/chats")
	// X-User stands in for the JWT middleware.
	chats.Use(func(c *gin.Context) {
		var id uint
		_, _ = fmt.Sscan(c.GetHeader("X-User"), &id)
		c.Set("user_id", id)
		c.Next()
	})
	chats.POST("", cc.CreateChat)
	chats.GET("", cc.GetUserChats)
	chats.GET("/:id", cc.GetChat)
	chats.DELETE("/:id", cc.DeleteChat)
	chats.POST("/:id/send-message", cc.SendMessage)
	chats.POST("/:id/get-help", cc.GetHelp)
	chats.POST("/:id/grade", cc.Grade)

	return &testServer{router: r, svc: svc}
}

func (s *testServer) do(t *testing.T, user uint, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", fmt.Sprint(user))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func (s *testServer) createChat(t *testing.T, user uint) string {
	t.Helper()
	code, body := s.do(t, user, http.MethodPost, "/chats", gin.H{
		"title":       "Persistent cough",
		"course_data": gin.H{"max_turns": 2},
	})
	require.Equal(t, http.StatusCreated, code)
	data := body["data"].(map[string]any)
	return fmt.Sprint(data["id"])
}

func TestSendMessageThenRead(t *testing.T) {
	s := newTestServer(t)
	id := s.createChat(t, learner)

	code, body := s.do(t, learner, http.MethodPost, "/chats/"+id+"/send-message", gin.H{"message": "What brings you in?"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["processing"])

	s.svc.Wait()

	code, body = s.do(t, learner, http.MethodGet, "/chats/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, string(models.StatusReady), data["status"])
	assert.EqualValues(t, 1, data["interaction_count"])
	msgs := data["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
}

func TestChatErrorsMapToStatusCodes(t *testing.T) {
	s := newTestServer(t)
	id := s.createChat(t, learner)
	noTokenID := s.createChat(t, noToken)

	tests := []struct {
		name     string
		user     uint
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"bad id", learner, http.MethodGet, "/chats/abc", nil, http.StatusBadRequest, ""},
		{"foreign chat", otherOwner, http.MethodGet, "/chats/" + id, nil, http.StatusNotFound, ""},
		{"missing chat", learner, http.MethodPost, "/chats/999/send-message", gin.H{"message": "hi"}, http.StatusNotFound, ""},
		{"empty message", learner, http.MethodPost, "/chats/" + id + "/send-message", gin.H{"message": "   "}, http.StatusBadRequest, services.CodeEmptyMessage},
		{"grade empty chat", learner, http.MethodPost, "/chats/" + id + "/grade", nil, http.StatusBadRequest, services.CodeEmptyConversation},
		{"no gateway token", noToken, http.MethodPost, "/chats/" + noTokenID + "/send-message", gin.H{"message": "hi"}, http.StatusUnauthorized, "TOKEN_EXPIRED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, tt.user, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, body["error_code"])
			}
		})
	}
}

func TestTurnLimit(t *testing.T) {
	s := newTestServer(t)
	id := s.createChat(t, learner)

	for i := 0; i < 2; i++ {
		code, _ := s.do(t, learner, http.MethodPost, "/chats/"+id+"/send-message", gin.H{"message": "question"})
		require.Equal(t, http.StatusAccepted, code)
		s.svc.Wait()
	}

	code, body := s.do(t, learner, http.MethodPost, "/chats/"+id+"/send-message", gin.H{"message": "one more"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, services.CodeTurnLimitReached, body["error_code"])
}

func TestGradeIsCachedOnceComplete(t *testing.T) {
	s := newTestServer(t)
	id := s.createChat(t, learner)

	code, _ := s.do(t, learner, http.MethodPost, "/chats/"+id+"/send-message", gin.H{"message": "How long has it hurt?"})
	require.Equal(t, http.StatusAccepted, code)
	s.svc.Wait()

	code, body := s.do(t, learner, http.MethodPost, "/chats/"+id+"/grade", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["processing"])
	s.svc.Wait()

	code, body = s.do(t, learner, http.MethodPost, "/chats/"+id+"/grade", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["already_graded"])
	grading := body["grading"].(map[string]any)
	assert.Equal(t, 72.5, grading["score"].(map[string]any)["percentage"])

	code, body = s.do(t, learner, http.MethodPost, "/chats/"+id+"/send-message", gin.H{"message": "late"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, services.CodeAlreadyCompleted, body["error_code"])
}

func TestHelpAndList(t *testing.T) {
	s := newTestServer(t)
	id := s.createChat(t, learner)
	s.createChat(t, otherOwner)

	code, _ := s.do(t, learner, http.MethodPost, "/chats/"+id+"/send-message", gin.H{"message": "Any fever?"})
	require.Equal(t, http.StatusAccepted, code)
	s.svc.Wait()

	code, body := s.do(t, learner, http.MethodPost, "/chats/"+id+"/get-help", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.EqualValues(t, 1, body["turn"])
	s.svc.Wait()

	code, body = s.do(t, learner, http.MethodPost, "/chats/"+id+"/get-help", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, services.CodeDuplicateHelp, body["error_code"])

	code, body = s.do(t, learner, http.MethodGet, "/chats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"].([]any), 1)
	assert.EqualValues(t, 1, body["pagination"].(map[string]any)["total"])

	code, _ = s.do(t, learner, http.MethodDelete, "/chats/"+id, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, learner, http.MethodGet, "/chats/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
