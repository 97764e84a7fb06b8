// Package app wires one chatsync node together and runs it until the
// context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vanquyd647/Project-Mobile-sub000/internal/api"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/call"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/config"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/docstore"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/identity"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/inbox"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/push"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/realtime"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/storage"
	"github.com/vanquyd647/Project-Mobile-sub000/internal/util"
)

var log = logging.Logger("app")

const shutdownTimeout = 5 * time.Second

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// Intent is the notification that launched the node, if any. It is
	// consumed once the call manager is listening.
	Intent *push.Intent

	// Ready, if set, receives the API base URL once it accepts connections.
	Ready func(url string)
}

// Run starts every component of the node and blocks until ctx is done or
// a relay connection is lost.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logs := api.NewLogBuffer(800)
	stopCapture := logs.Capture()
	defer stopCapture()

	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	// ── Identity
	id, created, err := identity.LoadOrCreate(util.ResolvePath(opt.Dir, cfg.Identity.File), cfg.Identity.DisplayName)
	if err != nil {
		return err
	}
	if created {
		log.Infof("created identity %s (%s)", id.UserID(), id.DisplayName())
	}
	logBanner(opt.Dir, opt.CfgPath, id.UserID())

	// ── Document store
	var (
		docs      docstore.Store
		docsRelay http.Handler
		docsLost  <-chan struct{}
	)
	if cfg.Signaling.Host {
		db, err := storage.Open(util.ResolvePath(opt.Dir, cfg.Paths.DBFile))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		local := docstore.New(db)
		defer local.Close()
		docs, docsRelay = local, docstore.NewServer(local)
	} else {
		url := cfg.Signaling.DocsRelayURL()
		client, err := docstore.Dial(ctx, url, cfg.Signaling.RequestTimeout())
		if err != nil {
			return err
		}
		defer client.Close()
		docs, docsLost = client, client.Done()
		log.Infof("docs relay: %s", url)
	}

	if err := ensureProfile(ctx, docs, id); err != nil {
		return err
	}

	// ── Realtime store
	var (
		store     realtime.Store
		relay     http.Handler
		relayLost <-chan struct{}
	)
	if cfg.Signaling.Host {
		mem := realtime.NewMemory()
		defer mem.Close()
		store, relay = mem, realtime.NewServer(mem)
		log.Info("hosting realtime store")
	} else {
		client, err := realtime.Dial(ctx, cfg.Signaling.RelayURL, cfg.Signaling.RequestTimeout())
		if err != nil {
			return err
		}
		defer client.Close()
		store, relayLost = client, client.Done()
		log.Infof("realtime relay: %s", cfg.Signaling.RelayURL)
	}

	// ── Push
	var dispatcher push.Dispatcher = push.Nop{}
	if cfg.Push.NotifierURL != "" {
		dispatcher = push.NewClient(cfg.Push.NotifierURL, cfg.Push.Timeout())
		log.Infof("push notifier: %s", cfg.Push.NotifierURL)
	}

	// ── Inbox
	engine := inbox.New(docs, id.UserID(), inbox.Options{
		MaxPins:   cfg.Inbox.MaxPins,
		FeedLimit: cfg.Inbox.FeedLimit,
	})
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Close()

	// ── Calls
	media, codecs := call.SystemMedia()
	calls := call.NewManager(call.Config{
		SelfID:      id.UserID(),
		SelfName:    id.DisplayName(),
		Signaling:   call.NewSignaling(store, cfg.Call.CleanupDelay()),
		Peers:       &call.PionFactory{STUNServers: cfg.Call.STUNServers, MediaEngine: codecs},
		Media:       media,
		Push:        dispatcher,
		RingTimeout: cfg.Call.RingTimeout(),
		Video:       !cfg.Call.VideoDisabled,
	})
	if err := calls.Start(); err != nil {
		return err
	}
	defer calls.Close()

	pending := newIntents(calls.Resume)
	if opt.Intent != nil {
		pending.Deliver(*opt.Intent)
		if s, ok, err := pending.Consume(ctx); ok && err == nil {
			log.Infof("launched into call %s", s.ID())
		}
	}

	// ── API
	handler := api.NewHandler(api.Deps{
		SelfID:     id.UserID(),
		SelfName:   id.DisplayName,
		Inbox:      engine,
		Rooms:      docs,
		Calls:      calls,
		OpenIntent: pending.Open,
		Relay:      relay,
		DocsRelay:  docsRelay,
		Logs:       logs,
		FeedLimit:  cfg.Inbox.FeedLimit,
	})

	var srvErr chan error
	if cfg.Viewer.HTTPAddr != "" {
		addr, _ := NormalizeViewer(cfg.Viewer.HTTPAddr)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		_, url := NormalizeViewer(ln.Addr().String())
		srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		srvErr = make(chan error, 1)
		go func() { srvErr <- srv.Serve(ln) }()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warnf("http shutdown: %v", err)
			}
		}()
		log.Infof("api: %s", url)
		if opt.Ready != nil {
			opt.Ready(url)
		}
	}

	select {
	case <-ctx.Done():
		log.Info("context cancelled, shutting down")
		return nil
	case <-relayLost:
		return errors.New("realtime relay connection lost")
	case <-docsLost:
		return errors.New("docs relay connection lost")
	case err := <-srvErr:
		return fmt.Errorf("http server: %w", err)
	}
}

// ensureProfile publishes the node's display name so other users can
// render it.
func ensureProfile(ctx context.Context, docs docstore.Store, id identity.File) error {
	p, err := docs.Profile(ctx, id.UserID())
	if err == nil && p.Name == id.DisplayName() {
		return nil
	}
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	p.UserID, p.Name = id.UserID(), id.DisplayName()
	return docs.PutProfile(ctx, p)
}

func setupLogging(c config.Log) error {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logging.SetAllLoggers(lvl)
	for sub, level := range c.Subsystems {
		if err := logging.SetLogLevel(sub, level); err != nil {
			return fmt.Errorf("log.subsystems[%s]: %w", sub, err)
		}
	}
	return nil
}
