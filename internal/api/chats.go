package api

import (
	"net/http"

	"chatrelay/internal/api/respond"
)

type createChatBody struct {
	Name string `json:"name"`
}

func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	var in createChatBody
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	chat, err := s.deps.Chats.CreateChat(r.Context(), identity(r), in.Name)
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusCreated, chat)
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Chats.ListChats(r.Context(), identity(r))
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, list)
}

type addUserBody struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

func (s *Server) addUserToChat(w http.ResponseWriter, r *http.Request) {
	var in addUserBody
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	if err := s.deps.Chats.AddMember(r.Context(), identity(r), in.ChatID, in.UserID); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, messageBody{Message: "User added to chat"})
}

type sendMessageBody struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var in sendMessageBody
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	msg, err := s.deps.Chats.SendMessage(r.Context(), identity(r), in.ChatID, in.Content)
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusCreated, msg)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Chats.History(r.Context(), identity(r), r.PathValue("chatId"))
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, msgs)
}

func (s *Server) markSeen(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Chats.MarkSeen(r.Context(), identity(r), r.PathValue("messageId")); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, messageBody{Message: "Message marked as seen"})
}
