package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/voxlink-app/voxlink/internal/rtc"
	"github.com/voxlink-app/voxlink/internal/signal"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Same-host browser UI only; the cookie check happens before upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerCallRoutes wires the call API. Each signed-in user drives their
// own call manager.
//
//	POST /api/call/start       — dial a friend
//	POST /api/call/accept      — answer the ringing call
//	POST /api/call/reject      — decline the ringing call
//	POST /api/call/hangup      — end the current call
//	POST /api/call/mute        — toggle microphone or camera
//	GET  /api/call/state       — current call snapshot
//	GET  /api/call/events      — SSE: state changes, rings, errors
//	GET  /api/call/media/{id}  — WebSocket: remote RTP packets for playback
func registerCallRoutes(mux *http.ServeMux, d Deps) {
	manager := func(w http.ResponseWriter, r *http.Request) (*rtc.Manager, bool) {
		u, ok := d.requireUser(w, r)
		if !ok {
			return nil, false
		}
		m, err := d.Hub.Manager(u.ID, u.DisplayName)
		if err != nil {
			http.Error(w, fmt.Sprintf("call manager: %v", err), http.StatusInternalServerError)
			return nil, false
		}
		return m, true
	}

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		CalleeID string `json:"callee_id"`
		Type     string `json:"type"`
	}) {
		m, ok := manager(w, r)
		if !ok {
			return
		}
		if req.CalleeID == "" {
			http.Error(w, "missing callee_id", http.StatusBadRequest)
			return
		}
		id, err := m.StartCall(r.Context(), req.CalleeID, signal.CallType(req.Type))
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"call_id": id, "state": m.State().String()})
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		m, ok := manager(w, r)
		if !ok {
			return
		}
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := m.Accept(r.Context(), req.CallID); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted", "state": m.State().String()})
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		m, ok := manager(w, r)
		if !ok {
			return
		}
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := m.Reject(req.CallID); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		m, ok := manager(w, r)
		if !ok {
			return
		}
		m.End()
		writeJSON(w, map[string]string{"status": "ok", "state": m.State().String()})
	})

	handlePost(mux, "/api/call/mute", func(w http.ResponseWriter, r *http.Request, req struct {
		Kind  string `json:"kind"`
		Muted bool   `json:"muted"`
	}) {
		m, ok := manager(w, r)
		if !ok {
			return
		}
		switch req.Kind {
		case "audio":
			m.SetAudioMuted(req.Muted)
		case "video":
			m.SetVideoMuted(req.Muted)
		default:
			http.Error(w, "kind must be audio or video", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]bool{"muted": req.Muted})
	})

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		m, ok := manager(w, r)
		if !ok {
			return
		}
		resp := map[string]any{"state": m.State().String()}
		if s := m.Current(); s != nil {
			resp["call_id"] = s.CallID()
			resp["remote_id"] = s.RemoteID()
			resp["type"] = s.Type()
			resp["audio_muted"] = s.AudioMuted()
			resp["video_muted"] = s.VideoMuted()
		}
		writeJSON(w, resp)
	})

	// Each connection gets its own subscription channel; unsubscribed on
	// disconnect so the manager never accumulates stale handlers.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		m, ok := manager(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		evCh, cancel := m.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"state\":%q}\n\n", m.State().String())
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-evCh:
				if !ok {
					return
				}
				data, err := json.Marshal(callEventJSON(ev))
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/media/{call_id} — binary RTP packets over WebSocket.
	mux.HandleFunc("/api/call/media/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m, ok := manager(w, r)
		if !ok {
			return
		}
		callID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/call/media/"), "/")
		if callID == "" {
			http.Error(w, "missing call id", http.StatusBadRequest)
			return
		}
		sess := m.Current()
		if sess == nil || sess.CallID() != callID {
			http.Error(w, "no such call", http.StatusNotFound)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WEB: call %s: media upgrade: %v", callID, err)
			return
		}
		defer conn.Close()
		log.Printf("WEB: call %s: media socket connected", callID)

		dataCh, cancel := sess.SubscribeMedia()
		defer cancel()

		// Drain incoming messages (ping/pong, close frames) without blocking.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				log.Printf("WEB: call %s: media socket disconnected", callID)
				return
			case <-sess.Done():
				return
			case data, ok := <-dataCh:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	})
}

func callEventJSON(ev rtc.Event) map[string]any {
	out := map[string]any{"type": string(ev.Kind), "call_id": ev.CallID}
	switch ev.Kind {
	case rtc.EventStateChanged:
		out["state"] = ev.State.String()
	case rtc.EventIncomingCall:
		out["caller_id"] = ev.CallerID
		out["caller_name"] = ev.CallerName
		out["call_type"] = ev.CallType
	case rtc.EventRemoteTrack:
		if ev.Track != nil {
			out["track_kind"] = ev.Track.Kind()
			out["track_id"] = ev.Track.ID()
		}
	case rtc.EventCallError:
		if ev.Err != nil {
			out["error"] = ev.Err.Error()
		}
	}
	return out
}

func callError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rtc.ErrBusy), errors.Is(err, rtc.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, rtc.ErrMediaAcquisition):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
