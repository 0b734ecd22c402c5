package api

import (
	"errors"
	"net/http"

	"chatrelay/internal/accounts"
	"chatrelay/internal/api/middleware"
	"chatrelay/internal/api/respond"
	"chatrelay/internal/avatar"
	"chatrelay/pkg/types"
)

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in accounts.RegisterInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	user, err := s.deps.Accounts.Register(r.Context(), in)
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusCreated, user)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in accounts.LoginInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	res, err := s.deps.Accounts.Login(r.Context(), in)
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	s.deps.Cookies.SetTokenCookies(w, res.AccessToken, res.RefreshToken)
	respond.JSON(w, http.StatusOK, res)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	creds := middleware.CredentialsFrom(r.Context())
	s.deps.Accounts.Logout(creds.AccessToken, creds.RefreshToken)
	s.deps.Cookies.ClearTokenCookies(w)
	respond.JSON(w, http.StatusOK, messageBody{Message: "Logout successful"})
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	user, err := s.deps.Accounts.Profile(r.Context(), identity(r).UserID)
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, user)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in accounts.UpdateInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	user, err := s.deps.Accounts.UpdateProfile(r.Context(), identity(r).UserID, in)
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, user)
}

// avatarField is the multipart field carrying the image.
const avatarField = "avatar"

func (s *Server) uploadAvatar(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, avatar.MaxBytes+1<<20)
	file, header, err := r.FormFile(avatarField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond.Error(w, s.logger, accounts.ErrAvatarTooLarge)
			return
		}
		respond.Error(w, s.logger, types.ValidationFailed(types.ReasonInvalidPayload, "Avatar file is required"))
		return
	}
	defer file.Close()

	user, err := s.deps.Accounts.UploadAvatar(r.Context(), identity(r).UserID, header.Header.Get("Content-Type"), file)
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, user)
}

func (s *Server) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var in accounts.ForgotPasswordInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	if err := s.deps.Accounts.ForgotPassword(r.Context(), in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, messageBody{Message: "Password reset link sent to your email"})
}

func (s *Server) resetPassword(w http.ResponseWriter, r *http.Request) {
	var in accounts.ResetPasswordInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	if err := s.deps.Accounts.ResetPassword(r.Context(), r.PathValue("token"), in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, messageBody{Message: "Password reset successful"})
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Accounts.ListUsers(r.Context())
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, users)
}

type deletedBody struct {
	Message string `json:"message"`
	Count   int64  `json:"count"`
}

func (s *Server) deleteUsers(w http.ResponseWriter, r *http.Request) {
	var in accounts.DeleteUsersInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	n, err := s.deps.Accounts.DeleteUsers(r.Context(), in)
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, deletedBody{Message: "Users deleted", Count: n})
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request) {
	var in accounts.RoleInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	user, err := s.deps.Accounts.ChangeRole(r.Context(), r.PathValue("id"), in)
	if err != nil {
		respond.Error(w, s.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, user)
}
