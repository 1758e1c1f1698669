package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/choyoungbong/eum-app-sub001/internal/call"
	"github.com/choyoungbong/eum-app-sub001/internal/notify"
	"github.com/choyoungbong/eum-app-sub001/internal/push"
	"github.com/choyoungbong/eum-app-sub001/internal/room"
	"github.com/choyoungbong/eum-app-sub001/internal/router"
	"github.com/choyoungbong/eum-app-sub001/internal/server/middleware"
	"github.com/choyoungbong/eum-app-sub001/pkg/config"
	"github.com/choyoungbong/eum-app-sub001/pkg/state"
	"github.com/choyoungbong/eum-app-sub001/pkg/state/statemanager"
	"github.com/choyoungbong/eum-app-sub001/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Collaborators are the external services the relay consumes, injected at
// startup. cmd/relay wires stand-ins for standalone operation.
type Collaborators struct {
	Push     push.Sender
	Tokens   push.TokenRegistry
	Recorder call.Recorder
}

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	rooms        *room.Manager
	calls        *call.Coordinator
	notifier     *notify.Fanout
	eventRouter  *router.EventRouter
	tokens       push.TokenRegistry
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, collab Collaborators) *App {
	stateManager := statemanager.NewInMemoryManager(logger)
	stateManager.SetPresenceFunc(func(userID string, online bool) {
		// Presence transitions are observable here for "last seen" style
		// collaborators; the relay itself only logs them.
		logger.Info("Presence changed", slog.String("userID", userID), slog.Bool("online", online))
	})

	rooms := room.NewManager(logger, stateManager)
	calls := call.NewCoordinator(logger, stateManager, collab.Push, collab.Tokens, collab.Recorder, cfg.Call.RingTimeout)
	notifier := notify.NewFanout(logger, stateManager)
	eventRouter := router.NewEventRouter(logger, stateManager, rooms, calls)

	app := &App{
		logger:       logger,
		stateManager: stateManager,
		rooms:        rooms,
		calls:        calls,
		notifier:     notifier,
		eventRouter:  eventRouter,
		tokens:       collab.Tokens,
		config:       cfg,
		ctx:          rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCounter := middleware.UserConnectionCounter(stateManager.GetUserConnectionCount)
	// Create a cycler function that closes over the stateManager and logger.
	connCycler := func(userID string) {
		oldest, found := stateManager.FindOldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			// Auth must run before the limiter: the limit is per authenticated
			// user, and the limiter blocks requests without an identity.
			middleware.NewAuthMiddleware(logger, app.config.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(
				logger,
				connCounter,
				connCycler,
				app.config.Server.ConnectionLimit,
			),
		),
	)

	// Internal surface for the CRUD service (notification trigger, device
	// token registration). Guarded by a shared secret, not user JWTs.
	mux.Handle("/internal/notify",
		middleware.Chain(http.HandlerFunc(app.internalNotifyHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
		),
	)
	mux.Handle("/internal/device-token",
		middleware.Chain(http.HandlerFunc(app.internalDeviceTokenHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
		),
	)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Notifier exposes the fan-out component so an in-process collaborator can be
// handed an explicit reference instead of reaching into ambient state.
func (a *App) Notifier() *notify.Fanout {
	return a.notifier
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	// register new connection
	stateConn, err := a.stateManager.RegisterConnection(conn, reqMeta.IP)
	if err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	// associate the authenticated user with the registered connection.
	if _, err := a.stateManager.AssociateUser(stateConn.ID, reqMeta.UserID); err != nil {
		connLogger.Error("Failed to associate user with connection", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.cleanupConnection(id)
	})

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// cleanupConnection cascades a transport closure into registry, room, typing
// and call state, exactly once per connection.
func (a *App) cleanupConnection(connID uuid.UUID) {
	dep, err := a.stateManager.DeregisterConnection(connID)
	if err != nil {
		a.logger.Error("Failed to deregister connection from state", slog.Any("error", err))
		return
	}
	if dep.UserID == "" {
		return // already cleaned up, or never associated
	}
	if len(dep.TypingCleared) > 0 {
		a.rooms.ClearTyping(dep.TypingCleared, dep.UserID)
	}
	if dep.WentOffline {
		a.calls.HandleDisconnect(dep.UserID)
	}
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.AllConnections() {
		conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
