package web

import (
	"net/http"

	"github.com/voxlink-app/voxlink/internal/account"
	"github.com/voxlink-app/voxlink/internal/chat"
	"github.com/voxlink-app/voxlink/internal/friends"
	"github.com/voxlink-app/voxlink/internal/rtc"
)

// Deps carries everything the HTTP layer needs.
type Deps struct {
	Accounts *account.Manager
	Friends  *friends.Manager
	Chat     *chat.Manager
	Hub      *rtc.Hub
	Logs     *LogBuffer
}

// Register wires all API routes onto mux.
func Register(mux *http.ServeMux, d Deps) {
	registerAuthRoutes(mux, d)
	registerFriendRoutes(mux, d)
	registerChatRoutes(mux, d)
	registerCallRoutes(mux, d)
	registerLogRoutes(mux, d)

	handleGet(mux, "/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
}
