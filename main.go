package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/skylarkhq/mailsync-infra/internal/accounts"
	"github.com/skylarkhq/mailsync-infra/internal/auth"
	"github.com/skylarkhq/mailsync-infra/internal/config"
	"github.com/skylarkhq/mailsync-infra/internal/logging"
	"github.com/skylarkhq/mailsync-infra/internal/mailbox"
	gmailclient "github.com/skylarkhq/mailsync-infra/internal/mailbox/gmail"
	outlookclient "github.com/skylarkhq/mailsync-infra/internal/mailbox/outlook"
	"github.com/skylarkhq/mailsync-infra/internal/outbox"
	"github.com/skylarkhq/mailsync-infra/internal/store"
	syncengine "github.com/skylarkhq/mailsync-infra/internal/sync"
)

type CreateAccountRequest struct {
	Address  string `json:"address" binding:"required"`
	Provider string `json:"provider" binding:"required"`
}

func main() {
	log := logging.For("main")
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataRoot, 0755); err != nil {
		log.WithError(err).Fatal("failed to create data directory")
	}

	st, err := store.Open(filepath.Join(cfg.DataRoot, "mailsync.db"))
	if err != nil {
		log.WithError(err).Fatal("failed to open sync store")
	}
	defer st.Close()

	registry, err := accounts.Open(filepath.Join(cfg.DataRoot, "accounts.db"))
	if err != nil {
		log.WithError(err).Fatal("failed to open account registry")
	}
	defer registry.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.NATSURL != "" {
		publisher, err := outbox.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to NATS")
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(ctx); err != nil {
			log.WithError(err).Fatal("failed to ensure event stream")
		}

		go outbox.NewDispatcher(st, publisher).Run(ctx)
	} else {
		log.Warn("NATS_URL not set, events stay queued in the outbox")
	}

	tokens := auth.NewTokenClient(cfg.TokenServiceURL)
	clients := clientFactory(registry, tokens)

	engine := syncengine.NewEngine(st, st, clients, cfg.BackfillWindow)
	manager := syncengine.NewManager(engine, st, syncengine.ManagerConfig{
		Interval:      cfg.SyncInterval,
		PushTopic:     cfg.PushTopic,
		RenewalMargin: cfg.WatchRenewalMargin,
	})
	defer manager.StopAll()

	r := gin.Default()

	api := r.Group("/")
	if cfg.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(cfg.JWKSURL)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize JWT verifier")
		}
		api.Use(authMiddleware(verifier))
	} else {
		log.Warn("JWKS_URL not set, API authentication disabled")
	}

	api.POST("/accounts", func(c *gin.Context) {
		var req CreateAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		provider := mailbox.ProviderName(strings.ToUpper(req.Provider))
		if provider != mailbox.ProviderGoogle && provider != mailbox.ProviderMicrosoft {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown provider %q", req.Provider)})
			return
		}

		acct, err := registry.Create(c.Request.Context(), req.Address, string(provider))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, acct)
	})

	api.GET("/accounts", func(c *gin.Context) {
		list, err := registry.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, list)
	})

	api.GET("/accounts/:id", func(c *gin.Context) {
		acct, err := registry.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, accounts.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, acct)
	})

	api.DELETE("/accounts/:id", func(c *gin.Context) {
		accountID := c.Param("id")
		_ = manager.StopWatch(accountID)
		if err := registry.Delete(c.Request.Context(), accountID); err != nil {
			if errors.Is(err, accounts.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/accounts/:id/sync", func(c *gin.Context) {
		result := engine.SyncMailbox(c.Request.Context(), c.Param("id"))
		status := http.StatusOK
		if !result.Success {
			status = http.StatusBadGateway
		}
		c.JSON(status, result)
	})

	api.POST("/accounts/:id/watch", func(c *gin.Context) {
		accountID := c.Param("id")
		if _, err := registry.Get(c.Request.Context(), accountID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		if err := manager.StartWatch(ctx, accountID); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"account_id": accountID, "watching": true})
	})

	api.DELETE("/accounts/:id/watch", func(c *gin.Context) {
		if err := manager.StopWatch(c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/accounts/:id/conversations", func(c *gin.Context) {
		convos, err := st.ListConversations(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, convos)
	})

	api.GET("/conversations/:threadID/messages", func(c *gin.Context) {
		msgs, err := st.ListMessagesByThread(c.Request.Context(), c.Param("threadID"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, msgs)
	})

	api.GET("/accounts/:id/cursor", func(c *gin.Context) {
		cursor, err := st.LoadCursor(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if cursor == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account has never synced"})
			return
		}
		c.JSON(http.StatusOK, cursor)
	})

	// Provider push notifications arrive unauthenticated; a shared token in
	// the query string gates them instead of the JWT middleware.
	r.POST("/notifications/:provider", func(c *gin.Context) {
		if cfg.PushSharedToken != "" && c.Query("token") != cfg.PushSharedToken {
			c.Status(http.StatusForbidden)
			return
		}

		switch strings.ToLower(c.Param("provider")) {
		case "google":
			handleGooglePush(c, registry, engine)
		case "microsoft":
			handleMicrosoftPush(c, registry, manager, engine)
		default:
			c.Status(http.StatusNotFound)
		}
	})

	log.WithField("port", cfg.Port).Info("starting server")
	if err := r.Run(":" + cfg.Port); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

// clientFactory resolves an account id to a provider-specific mailbox client
// with a fresh OAuth token.
func clientFactory(registry *accounts.Registry, tokens *auth.TokenClient) syncengine.ClientFactory {
	return func(ctx context.Context, accountID string) (mailbox.Client, error) {
		acct, err := registry.Get(ctx, accountID)
		if err != nil {
			return nil, err
		}

		tok, err := tokens.GetToken(ctx, accountID, strings.ToLower(acct.Provider))
		if err != nil {
			return nil, err
		}

		switch mailbox.ProviderName(acct.Provider) {
		case mailbox.ProviderGoogle:
			return gmailclient.New(ctx, tok)
		case mailbox.ProviderMicrosoft:
			return outlookclient.New(tok, acct.Address)
		default:
			return nil, fmt.Errorf("unknown provider %q for account %s", acct.Provider, accountID)
		}
	}
}

// handleGooglePush decodes a Pub/Sub push envelope and triggers a sync for
// the mailbox it names. The envelope data only says "something changed"; the
// history id inside is advisory and the engine re-reads from its own cursor.
func handleGooglePush(c *gin.Context, registry *accounts.Registry, engine *syncengine.Engine) {
	var envelope struct {
		Message struct {
			Data string `json:"data"`
		} `json:"message"`
	}
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed push data"})
		return
	}

	var notif struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := json.Unmarshal(decoded, &notif); err != nil || notif.EmailAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed push data"})
		return
	}

	acct, err := registry.GetByAddress(c.Request.Context(), notif.EmailAddress)
	if err != nil {
		// Ack unknown mailboxes so Pub/Sub stops redelivering them.
		c.Status(http.StatusOK)
		return
	}

	go engine.SyncMailbox(context.Background(), acct.ID)
	c.Status(http.StatusOK)
}

// handleMicrosoftPush answers the Graph validation handshake and triggers a
// sync for every watched Microsoft account. Graph notifications identify a
// subscription, not a mailbox, so the engine reconciles all of them.
func handleMicrosoftPush(c *gin.Context, registry *accounts.Registry, manager *syncengine.Manager, engine *syncengine.Engine) {
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}

	accts, err := registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, acct := range accts {
		if mailbox.ProviderName(acct.Provider) == mailbox.ProviderMicrosoft && manager.IsRunning(acct.ID) {
			go engine.SyncMailbox(context.Background(), acct.ID)
		}
	}
	c.Status(http.StatusAccepted)
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := verifier.CallerFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set("caller_id", caller.ID)
		c.Next()
	}
}
