package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/voxlink-app/voxlink/internal/account"
)

const sessionCookie = "voxlink_session"

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && err != io.EOF {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return err
	}
	return nil
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

// currentUser resolves the session cookie. Handlers behind a login reply 401
// when this fails.
func (d Deps) currentUser(r *http.Request) (account.User, error) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return account.User{}, err
	}
	return d.Accounts.UserByToken(r.Context(), c.Value)
}

func (d Deps) requireUser(w http.ResponseWriter, r *http.Request) (account.User, bool) {
	u, err := d.currentUser(r)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) || errors.Is(err, http.ErrNoCookie) {
			http.Error(w, "not signed in", http.StatusUnauthorized)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return account.User{}, false
	}
	return u, true
}

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}
