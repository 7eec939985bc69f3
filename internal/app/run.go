// Package app wires the coordination core together in dependency order:
// storage → identity → rest → broker → chat → call → http. Everything is
// torn down in reverse on context cancel; in particular media devices are
// released and the broker connection closed before Run returns.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/duochat/duochat/internal/api"
	"github.com/duochat/duochat/internal/call"
	"github.com/duochat/duochat/internal/chat"
	"github.com/duochat/duochat/internal/config"
	"github.com/duochat/duochat/internal/identity"
	"github.com/duochat/duochat/internal/mq"
	"github.com/duochat/duochat/internal/rest"
	"github.com/duochat/duochat/internal/storage"
	"github.com/duochat/duochat/internal/util"
)

type Options struct {
	BaseDir string
	Cfg     config.Config
}

// Run starts the whole stack and blocks until ctx is cancelled or the HTTP
// server fails.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	// ── Storage + identity
	db, err := storage.Open(util.ResolvePath(opt.BaseDir, cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	resolver := identity.NewResolver(db)
	user, token, err := resolver.Current()
	if errors.Is(err, identity.ErrNotAuthenticated) {
		// First run: adopt a session from the environment, the headless
		// analogue of the login page writing localStorage.
		user, token, err = bootstrapSession(resolver)
	}
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	log.Printf("APP: running as user %s (%s)", user.ID, user.DisplayName)

	// ── REST collaborator
	restClient := rest.New(cfg.API.BaseURL, token, time.Duration(cfg.API.TimeoutSec)*time.Second)

	// ── Broker
	mqClient, err := mq.Connect(ctx, cfg.Broker.URL, mq.NewClientID(user.ID),
		time.Duration(cfg.Broker.KeepaliveSec)*time.Second)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer mqClient.Close()

	// ── Chat manager
	chatMgr := chat.NewManager(user.ID, token, mqClient, restClient)
	if err := chatMgr.Start(ctx); err != nil {
		return fmt.Errorf("start chat manager: %w", err)
	}
	defer chatMgr.Close()

	// ── Call controller
	engine, err := call.NewEngine()
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	transport := call.NewPionTransport(mqSignaler{c: mqClient}, cfg.Media.STUNServers, engine.ConfigureMedia)
	callCtl := call.NewController(user.ID, engine, transport, restClient, chatMgr.AppendSystem)
	defer callCtl.Close()

	// ── HTTP surface
	srv := api.NewServer(user, chatMgr, callCtl)
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Router(cfg.HTTP.CORSOrigins),
		ReadHeaderTimeout: util.ShortTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("APP: http listening on %s", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-mqClient.Done():
		return fmt.Errorf("broker connection lost")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("APP: http shutdown: %v", err)
	}
	log.Printf("APP: shut down")
	return nil
}

// bootstrapSession saves a session from DUOCHAT_USER_ID / DUOCHAT_TOKEN when
// no persisted one exists.
func bootstrapSession(r *identity.Resolver) (identity.User, string, error) {
	id, token := os.Getenv("DUOCHAT_USER_ID"), os.Getenv("DUOCHAT_TOKEN")
	if id == "" || token == "" {
		return identity.User{}, "", fmt.Errorf("%w: set DUOCHAT_USER_ID and DUOCHAT_TOKEN for first run", identity.ErrNotAuthenticated)
	}
	u := identity.User{
		ID:          id,
		DisplayName: os.Getenv("DUOCHAT_DISPLAY_NAME"),
		AvatarURL:   os.Getenv("DUOCHAT_AVATAR_URL"),
	}
	if err := r.Save(u, token); err != nil {
		return identity.User{}, "", err
	}
	log.Printf("APP: bootstrapped session for user %s from environment", id)
	return r.Current()
}

// mqSignaler adapts the broker client to the call package's Signaler. This
// is the only place that imports both.
type mqSignaler struct {
	c *mq.Client
}

func (s mqSignaler) Send(room string, payload any) error {
	return s.c.Publish(mq.CallTopic(room), payload)
}

func (s mqSignaler) Subscribe(room string, fn func(payload []byte)) (cancel func()) {
	topic := mq.CallTopic(room)
	unhook := s.c.SubscribeTopic(topic, func(_ string, payload json.RawMessage) {
		fn(payload)
	})
	if err := s.c.Subscribe(topic); err != nil {
		log.Printf("APP: subscribe %s: %v", topic, err)
	}
	return func() {
		unhook()
		if err := s.c.Unsubscribe(topic); err != nil {
			log.Printf("APP: unsubscribe %s: %v", topic, err)
		}
	}
}
