package statsy

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// DiscordWebhookServer receives interactions over HTTP, as an alternative
// to the gateway, when an interactions endpoint URL is configured for the
// application.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, d.config.ListenNetwork, d.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
	}
	d.logger.InfoContext(ctx, "serving discord webhook", "addr", ln.Addr().String())
	if d.httpServer.TLSConfig == nil {
		d.logger.Warn("starting server without TLS")
		return d.httpServer.Serve(ln)
	}
	return d.httpServer.ServeTLS(ln, "", "")
}

// newWebhookServer creates the webhook server. Requests are rejected
// unless signed with the application's public key.
func newWebhookServer(
	s *Statsy,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	if len(s.discord.publicKey) == 0 {
		return nil, fmt.Errorf("webhook server enabled, but no public key set")
	}
	logger := newComponentLogger("discord_webhook", config.LogLevel)

	r := gin.New()
	server := &DiscordWebhookServer{config: config, engine: r, logger: logger}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, e := tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	server.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		discordRequestAuthenticationMiddleware(s.discord.publicKey),
	)

	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			if s.webhookInteractionHandler == nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
				return
			}
			s.webhookInteractionHandler(c)
		},
	)
	return server, nil
}

// WebhookHandler is an InteractionHandler for interactions received via
// webhook. The initial response is the HTTP response body. Follow-up
// edits go through the session, like the gateway.
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	// the response must reach Discord before the command finishes
	w.ginContext.Writer.Flush()
	return nil
}

// webhookReceiveHandler returns a gin handler which decodes the request
// body as an interaction and handles it. The interaction is tracked by
// runtimeWG, so shutdown waits for it.
func webhookReceiveHandler(ctx context.Context, s *Statsy, runtimeWG *sync.WaitGroup) gin.HandlerFunc {
	return func(c *gin.Context) {
		runtimeWG.Add(1)
		defer runtimeWG.Done()

		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_addr", c.Request.RemoteAddr,
				xRequestIDHeader, requestID,
			),
		)
		runCtx := WithLogger(ctx, logger)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error reading body", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error reading body"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}

		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: s.getInteractionHandlerFunc(runCtx, &interaction),
		}
		s.handleInteraction(runCtx, handler)
	}
}

// discordRequestAuthenticationMiddleware aborts with 401 unless the
// request carries a valid signature.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the ed25519 signature of the request's timestamp
// header and body. The body is restored so it can be read again.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()
	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
