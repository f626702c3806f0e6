package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/emberchat/ember/internal/chain"
	"github.com/emberchat/ember/internal/handlers"
	"github.com/emberchat/ember/internal/scheduler"
	"github.com/emberchat/ember/internal/snapshot"
	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/ws"
)

var (
	addr             = flag.String("addr", ":3001", "http service address")
	snapshotPath     = flag.String("snapshot-path", "ember.db", "snapshot sqlite file")
	snapshotInterval = flag.Duration("snapshot-interval", 10*time.Second, "interval between snapshots")
	sessionTTL       = flag.Duration("session-ttl", 0, "session lifetime, 0 for no expiry")
	chainURL         = flag.String("chain-url", "", "base URL of the chain encryption collaborator, empty to disable")
	chainTimeout     = flag.Duration("chain-timeout", 3*time.Second, "per-call timeout for the chain collaborator")
)

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Snapshot store and prior state.
	snap, err := snapshot.Open(*snapshotPath)
	if err != nil {
		logrus.WithError(err).Fatal("opening snapshot store")
	}
	defer snap.Close()

	state, found, err := snap.Restore()
	if err != nil {
		// A broken snapshot must not keep the service down; start cold.
		logrus.WithError(err).Error("restoring snapshot, starting cold")
		found = false
	}

	users := store.NewUsers()
	sessions := store.NewSessions(*sessionTTL)
	groups := store.NewGroups()
	messages := store.NewMessages()
	if found {
		users.Import(state.Users)
		sessions.Import(state.Sessions)
		groups.Import(state.Groups)
		messages.Import(state.Messages)
		logrus.WithFields(logrus.Fields{
			"users":  len(state.Users),
			"groups": len(state.Groups),
		}).Info("state restored from snapshot")
	}

	// Destruction timers, re-armed for reads that predate this process.
	sched := scheduler.New(messages.DestroyByID)
	messages.SetScheduler(sched)
	for _, p := range messages.PendingDestructions() {
		sched.Schedule(p.GroupID, p.MessageID, p.FireAt)
	}
	sched.Start()
	defer sched.Stop()

	// Optional chain collaborator.
	var collaborator chain.Collaborator = chain.Disabled()
	if *chainURL != "" {
		collaborator = chain.NewClient(*chainURL, *chainTimeout)
		logrus.WithField("url", *chainURL).Info("chain collaborator enabled")
	}

	// Live event hub.
	hub := ws.NewHub(groups)
	go hub.Run()
	defer hub.Stop()

	authHandler := &handlers.AuthHandler{Users: users, Sessions: sessions}
	groupHandler := &handlers.GroupHandler{
		Users: users, Sessions: sessions, Groups: groups,
		Messages: messages, Chain: collaborator,
	}
	messageHandler := &handlers.MessageHandler{
		Users: users, Sessions: sessions, Groups: groups,
		Messages: messages, Chain: collaborator, Hub: hub,
	}

	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	// API endpoints
	r.HandleFunc("/api/auth/wallet", authHandler.WalletAuth).Methods("POST")
	r.HandleFunc("/api/auth/session/{sessionId}", authHandler.ValidateSession).Methods("GET")
	r.HandleFunc("/api/user/groups/{walletAddress}", groupHandler.ListForWallet).Methods("GET")
	r.HandleFunc("/api/groups/{groupId}", groupHandler.GetGroup).Methods("GET")
	r.HandleFunc("/api/createUser", groupHandler.CreateUser).Methods("POST")
	r.HandleFunc("/api/createGroup", groupHandler.CreateGroup).Methods("POST")
	r.HandleFunc("/api/sendGroupMessage", messageHandler.Send).Methods("POST")
	r.HandleFunc("/api/getGroupMessages/{groupId}", messageHandler.List).Methods("GET")
	r.HandleFunc("/api/markMessageAsRead", messageHandler.MarkRead).Methods("POST")
	r.HandleFunc("/api/destroyMessage", messageHandler.Destroy).Methods("POST")

	// WebSocket endpoint: session token in the query string because browser
	// websocket clients cannot set headers.
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		sess, err := sessions.Validate(r.URL.Query().Get("session"))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		user, ok := users.Get(sess.UserID)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ws.ServeWs(hub, w, r, user.PublicKey)
	})

	save := func() {
		err := snap.Save(snapshot.State{
			Users:    users.Export(),
			Groups:   groups.Export(),
			Sessions: sessions.Export(),
			Messages: messages.Export(),
		})
		if err != nil {
			// Non-fatal: the next cycle supersedes this attempt.
			logrus.WithError(err).Error("snapshot failed")
		}
	}

	stopSnapshots := make(chan struct{})
	go func() {
		ticker := time.NewTicker(*snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				save()
			case <-stopSnapshots:
				return
			}
		}
	}()

	srv := &http.Server{Addr: *addr, Handler: r}
	go func() {
		logrus.WithField("addr", *addr).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	// Graceful shutdown: stop accepting, then snapshot one last time.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("shutting down, saving state")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("server shutdown")
	}

	close(stopSnapshots)
	save()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("request")
	})
}
