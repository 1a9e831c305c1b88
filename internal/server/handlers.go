package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/moikas-code/kuuzuki/internal/permission"
	"github.com/moikas-code/kuuzuki/internal/session"
	"github.com/moikas-code/kuuzuki/internal/turn"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.opts.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type sessionCreateRequest struct {
	ParentID string `json:"parentID,omitempty"`
	Title    string `json:"title,omitempty"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.opts.Sessions.Create(r.Context(), req.ParentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Title != "" {
		sess, err = s.opts.Sessions.Update(r.Context(), sess.ID, func(ss *session.Session) {
			ss.Title = session.TrimTitle(req.Title)
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	list, err := s.opts.Sessions.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageSendRequest struct {
	Text  string             `json:"text"`
	Files []session.FilePart `json:"files,omitempty"`
	Mode  string             `json:"mode,omitempty"`
	Agent string             `json:"agent,omitempty"`
	Model string             `json:"model,omitempty"`
}

// handleMessageSend runs a full turn and returns the final assistant
// message. Streaming consumers watch /event instead of this response.
func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var req messageSendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := s.opts.Engine.Run(r.Context(), turn.Input{
		SessionID: r.PathValue("id"),
		Text:      req.Text,
		FileParts: req.Files,
		Mode:      req.Mode,
		Agent:     req.Agent,
		Model:     req.Model,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// messageWithParts is one list entry: the message record plus its parts.
type messageWithParts struct {
	Info  session.Message `json:"info"`
	Parts []session.Part  `json:"parts"`
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.opts.Sessions.Get(sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.opts.Sessions.Messages(sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]messageWithParts, 0, len(msgs))
	for _, msg := range msgs {
		parts, err := s.opts.Sessions.Parts(sessionID, msg.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if parts == nil {
			parts = []session.Part{}
		}
		out = append(out, messageWithParts{Info: msg, Parts: parts})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.opts.Engine.Cancel(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	info, err := s.opts.Sessions.Share(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Sessions.Unshare(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type revertRequest struct {
	MessageID string `json:"messageID"`
	PartID    string `json:"partID,omitempty"`
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req revertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("messageID is required"))
		return
	}
	sess, err := s.opts.Sessions.Revert(r.Context(), r.PathValue("id"), req.MessageID, req.PartID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUnrevert(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Sessions.Unrevert(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Engine.Compact(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionReplyRequest struct {
	SessionID    string `json:"sessionId"`
	PermissionID string `json:"permissionId"`
	Response     string `json:"response"`
}

func (s *Server) handlePermissionReply(w http.ResponseWriter, r *http.Request) {
	var req permissionReplyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch permission.Response(req.Response) {
	case permission.ResponseOnce, permission.ResponseAlways, permission.ResponseReject:
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("response must be once, always, or reject"))
		return
	}
	err := s.opts.Gate.Reply(r.Context(), req.SessionID, req.PermissionID, permission.Response(req.Response))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, session.ErrBusy):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
	}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody parses the JSON request body. An empty body decodes to the
// zero value. Returns false after writing the error response.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
	return false
}
