package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/voxlink-app/voxlink/internal/account"
)

// registerAuthRoutes wires account endpoints.
//
//	POST /api/auth/register   — create account, signed in on success
//	POST /api/auth/login      — verify credentials, set session cookie
//	POST /api/auth/logout     — drop the session
//	GET  /api/auth/me         — current user
//	POST /api/auth/profile    — change the display name
//	POST /api/auth/heartbeat  — refresh the last-seen stamp
func registerAuthRoutes(mux *http.ServeMux, d Deps) {
	handlePost(mux, "/api/auth/register", func(w http.ResponseWriter, r *http.Request, req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}) {
		if _, err := d.Accounts.Register(r.Context(), req.Email, req.Password, req.DisplayName); err != nil {
			if errors.Is(err, account.ErrEmailTaken) {
				http.Error(w, "email already registered", http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		u, token, err := d.Accounts.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			http.Error(w, fmt.Sprintf("login after register: %v", err), http.StatusInternalServerError)
			return
		}
		setSessionCookie(w, token)
		writeJSON(w, u)
	})

	handlePost(mux, "/api/auth/login", func(w http.ResponseWriter, r *http.Request, req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}) {
		u, token, err := d.Accounts.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			if errors.Is(err, account.ErrBadCredentials) {
				http.Error(w, "invalid email or password", http.StatusUnauthorized)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		setSessionCookie(w, token)
		writeJSON(w, u)
	})

	handlePost(mux, "/api/auth/logout", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if c, err := r.Cookie(sessionCookie); err == nil {
			d.Accounts.Logout(c.Value)
		}
		clearSessionCookie(w)
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handleGet(mux, "/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		u, ok := d.requireUser(w, r)
		if !ok {
			return
		}
		writeJSON(w, u)
	})

	handlePost(mux, "/api/auth/profile", func(w http.ResponseWriter, r *http.Request, req struct {
		DisplayName string `json:"display_name"`
	}) {
		u, ok := d.requireUser(w, r)
		if !ok {
			return
		}
		updated, err := d.Accounts.UpdateProfile(r.Context(), u.ID, req.DisplayName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, updated)
	})

	handlePost(mux, "/api/auth/heartbeat", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		u, ok := d.requireUser(w, r)
		if !ok {
			return
		}
		if err := d.Accounts.Touch(r.Context(), u.ID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}
