package emulator

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/keychainctl/internal/observability"
	"github.com/danmuck/keychainctl/internal/protocol/command"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server is the companion-app surface of the device: account management,
// prompt decisions and the status push channel.
type Server struct {
	dev      *Device
	router   *gin.Engine
	upgrader websocket.Upgrader
	appeared time.Time
}

type indexBody struct {
	Index *int `json:"index"`
}

type signatureDecision struct {
	Approve bool `json:"approve"`
}

type senderBody struct {
	Sender string `json:"sender"`
}

func NewServer(dev *Device, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("keychainsim"))
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET", "POST", "PUT"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s := &Server{
		dev:    dev,
		router: r,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.appeared).String(),
			"device": strconv.Itoa(int(s.dev.Status())),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The status channel lives at the root, as on the device.
	s.router.GET("/", s.streamStatus)

	s.router.POST("/accounts", func(c *gin.Context) {
		var body indexBody
		if err := c.ShouldBindJSON(&body); err != nil || body.Index == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "index required"})
			return
		}
		acct, err := s.dev.GenerateAccount(*body.Index)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, publicAccount(acct))
	})

	s.router.GET("/accounts", func(c *gin.Context) {
		index, err := strconv.Atoi(c.Query("index"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "index required"})
			return
		}
		acct, err := s.dev.Account(index)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, publicAccount(acct))
	})

	// PUT /accounts answers an on-device selection prompt.
	s.router.PUT("/accounts", func(c *gin.Context) {
		var body indexBody
		if err := c.ShouldBindJSON(&body); err != nil || body.Index == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "index required"})
			return
		}
		if err := s.dev.ResolveSelection(*body.Index); err != nil {
			respondError(c, err)
			return
		}
		c.String(http.StatusOK, "Ok")
	})

	s.router.GET("/signature", func(c *gin.Context) {
		req, ok := s.dev.PendingSignature()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrNoPrompt.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"index": req.Index, "pk": req.PK, "msg": req.Msg})
	})

	s.router.POST("/signature", func(c *gin.Context) {
		var body signatureDecision
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.dev.ResolveSignature(body.Approve); err != nil {
			respondError(c, err)
			return
		}
		c.String(http.StatusOK, "Ok")
	})

	s.router.POST("/sender", func(c *gin.Context) {
		var body senderBody
		if err := c.ShouldBindJSON(&body); err != nil || body.Sender == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sender required"})
			return
		}
		s.dev.SetSender(body.Sender)
		c.String(http.StatusOK, "Ok")
	})
}

// streamStatus pushes the status code to one websocket client every
// StatusInterval until the client goes away.
func (s *Server) streamStatus(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("emulator: status upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.dev.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		msg := strconv.Itoa(int(s.dev.Status()))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func publicAccount(a command.Account) gin.H {
	return gin.H{
		"index":           a.Index,
		"pk":              a.PK,
		"salt":            a.Salt,
		"msk":             a.MSK,
		"contractClassId": a.ContractClassID,
	}
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrBadSlot):
		status = http.StatusNotFound
	case errors.Is(err, ErrNoPrompt):
		status = http.StatusConflict
	case errors.Is(err, ErrNotConnected):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
