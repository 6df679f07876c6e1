package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/voxlink-app/voxlink/internal/account"
	"github.com/voxlink-app/voxlink/internal/chat"
	"github.com/voxlink-app/voxlink/internal/config"
	"github.com/voxlink-app/voxlink/internal/friends"
	"github.com/voxlink-app/voxlink/internal/media"
	"github.com/voxlink-app/voxlink/internal/rtc"
	"github.com/voxlink-app/voxlink/internal/signal"
	"github.com/voxlink-app/voxlink/internal/store"
	"github.com/voxlink-app/voxlink/internal/util"
	"github.com/voxlink-app/voxlink/internal/web"
)

type Options struct {
	NodeDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts a voxlink node: one SQLite database, the service managers on
// top of it, and the HTTP server that the browser UI talks to. Blocks until
// ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	logBuf := web.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	cfg := opt.Cfg

	dataDir := util.ResolvePath(opt.NodeDir, cfg.Paths.DataDir)
	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Printf("APP: database at %s", db.Path())

	accounts := account.NewManager(db)
	friendsMgr := friends.NewManager(db)
	chatMgr := chat.NewManager(db, dataDir)
	sigStore := signal.NewSQLStore(db)

	stun := cfg.Call.STUNServers
	if len(stun) == 0 {
		stun = media.DefaultSTUNServers
	}
	hub := rtc.NewHub(sigStore, media.NewPionEngine(), media.Config{STUNServers: stun})
	defer hub.Close()

	mux := http.NewServeMux()
	web.Register(mux, web.Deps{
		Accounts: accounts,
		Friends:  friendsMgr,
		Chat:     chatMgr,
		Hub:      hub,
		Logs:     logBuf,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("APP: listening on http://%s", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Printf("APP: shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}
