package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/voxlink-app/voxlink/internal/friends"
)

// registerFriendRoutes wires the contact list endpoints.
//
//	POST /api/friends/add     — add a friend by email (links both sides)
//	GET  /api/friends         — list contacts
//	GET  /api/friends/events  — SSE: full list re-sent on every change
func registerFriendRoutes(mux *http.ServeMux, d Deps) {
	handlePost(mux, "/api/friends/add", func(w http.ResponseWriter, r *http.Request, req struct {
		Email string `json:"email"`
	}) {
		u, ok := d.requireUser(w, r)
		if !ok {
			return
		}
		if req.Email == "" {
			http.Error(w, "missing email", http.StatusBadRequest)
			return
		}
		f, err := d.Friends.Add(r.Context(), u.ID, req.Email)
		if err != nil {
			switch {
			case errors.Is(err, friends.ErrNotFound):
				http.Error(w, "no user with that email", http.StatusNotFound)
			case errors.Is(err, friends.ErrSelf):
				http.Error(w, "cannot add yourself", http.StatusBadRequest)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		writeJSON(w, f)
	})

	handleGet(mux, "/api/friends", func(w http.ResponseWriter, r *http.Request) {
		u, ok := d.requireUser(w, r)
		if !ok {
			return
		}
		list, err := d.Friends.List(r.Context(), u.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []friends.Friend{}
		}
		writeJSON(w, list)
	})

	handleGet(mux, "/api/friends/events", func(w http.ResponseWriter, r *http.Request) {
		u, ok := d.requireUser(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := d.Friends.Watch(u.ID)
		defer cancel()

		send := func() bool {
			list, err := d.Friends.List(r.Context(), u.ID)
			if err != nil {
				return false
			}
			data, err := json.Marshal(list)
			if err != nil {
				return false
			}
			fmt.Fprintf(w, "event: friends\ndata: %s\n\n", data)
			flusher.Flush()
			return true
		}
		if !send() {
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ch:
				if !send() {
					return
				}
			}
		}
	})
}
