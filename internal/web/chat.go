package web

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const maxAttachmentBytes = 32 << 20 // 32 MiB

// registerChatRoutes wires direct messaging.
//
//	GET  /api/chat/history?peer_id=X&limit=N — recent messages, oldest first
//	POST /api/chat/send                      — send a text message
//	POST /api/chat/upload                    — multipart: send a file
//	GET  /api/chat/attachment?path=P         — download a stored attachment
//	GET  /api/chat/events?peer_id=X          — SSE: new messages in the thread
func registerChatRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		u, ok := d.requireUser(w, r)
		if !ok {
			return
		}
		peerID := r.URL.Query().Get("peer_id")
		if peerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		limit := 0
		fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)
		msgs, err := d.Chat.History(r.Context(), u.ID, peerID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, msgs)
	})

	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
		Body   string `json:"body"`
	}) {
		u, ok := d.requireUser(w, r)
		if !ok {
			return
		}
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		msg, err := d.Chat.Send(r.Context(), u.ID, req.PeerID, req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, msg)
	})

	mux.HandleFunc("/api/chat/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		u, ok := d.requireUser(w, r)
		if !ok {
			return
		}
		if err := r.ParseMultipartForm(maxAttachmentBytes); err != nil {
			http.Error(w, "bad multipart body", http.StatusBadRequest)
			return
		}
		peerID := r.FormValue("peer_id")
		if peerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		path, mimeType, err := d.Chat.SaveAttachment(header.Filename, file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msg, err := d.Chat.SendAttachment(r.Context(), u.ID, peerID, r.FormValue("body"), path, mimeType)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, msg)
	})

	handleGet(mux, "/api/chat/attachment", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := d.requireUser(w, r); !ok {
			return
		}
		rel := r.URL.Query().Get("path")
		if rel == "" {
			http.Error(w, "missing path", http.StatusBadRequest)
			return
		}
		abs, err := d.Chat.AttachmentPath(rel)
		if err != nil {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		http.ServeFile(w, r, abs)
	})

	handleGet(mux, "/api/chat/events", func(w http.ResponseWriter, r *http.Request) {
		u, ok := d.requireUser(w, r)
		if !ok {
			return
		}
		peerID := r.URL.Query().Get("peer_id")
		if peerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := d.Chat.Subscribe(u.ID, peerID)
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}
