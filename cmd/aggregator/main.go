package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Mock aggregator for local development and load tests. It speaks the
// subset of the real aggregator's API the gateway uses: authenticated
// batch send, media upload, and the message list used as ground truth by
// the repair tooling.

const acceptedStatusCode = "2000"
const rejectedStatusCode = "3025"

type sendManyMessage struct {
	To      string `json:"to" binding:"required"`
	From    string `json:"from" binding:"required"`
	Text    string `json:"text" binding:"required"`
	Type    string `json:"type"`
	ImageID string `json:"imageId"`
}

type sendManyRequest struct {
	Messages        []sendManyMessage `json:"messages" binding:"required"`
	AllowDuplicates bool              `json:"allowDuplicates"`
}

type recipientResult struct {
	Phone      string `json:"to"`
	StatusCode string `json:"statusCode"`
	Status     string `json:"status,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	ErrorMsg   string `json:"errorMessage,omitempty"`
}

type sendManyResponse struct {
	GroupID string            `json:"groupId"`
	Results []recipientResult `json:"results"`
}

type mediaUploadRequest struct {
	File string `json:"file" binding:"required"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type groupMessage struct {
	GroupID    string `json:"groupId"`
	To         string `json:"to"`
	StatusCode string `json:"statusCode"`
	CreatedAt  string `json:"dateCreated"`
	SentAt     string `json:"dateSent"`
}

// MockAggregator accepts batches with a configurable per-recipient reject
// rate and remembers every accepted message, so the list endpoint can act
// as ground truth for repair runs against it.
type MockAggregator struct {
	apiKey     string
	apiSecret  string
	acceptRate float64
	minDelay   time.Duration
	maxDelay   time.Duration
	rng        *rand.Rand

	mu       sync.Mutex
	messages []groupMessage
}

func NewMockAggregator(apiKey, apiSecret string, acceptRate float64, minDelay, maxDelay time.Duration) *MockAggregator {
	return &MockAggregator{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		acceptRate: acceptRate,
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockAggregator) randomDelay() time.Duration {
	if m.maxDelay <= m.minDelay {
		return m.minDelay
	}
	delta := m.maxDelay - m.minDelay
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockAggregator) shouldAccept() bool {
	return m.rng.Float64() < m.acceptRate
}

// verifySignature checks the HMAC authorization header:
//
//	HMAC-SHA256 apiKey=<k>, date=<ISO8601>, salt=<s>, signature=hex(HMAC(secret, date+salt))
func (m *MockAggregator) verifySignature(header string) error {
	if !strings.HasPrefix(header, "HMAC-SHA256 ") {
		return fmt.Errorf("unsupported authorization scheme")
	}

	fields := map[string]string{}
	for _, part := range strings.Split(strings.TrimPrefix(header, "HMAC-SHA256 "), ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 {
			fields[kv[0]] = kv[1]
		}
	}

	if fields["apiKey"] != m.apiKey {
		return fmt.Errorf("unknown api key")
	}

	date, err := time.Parse(time.RFC3339, fields["date"])
	if err != nil {
		return fmt.Errorf("malformed date: %w", err)
	}
	if skew := time.Since(date); skew > 15*time.Minute || skew < -15*time.Minute {
		return fmt.Errorf("stale signature")
	}

	mac := hmac.New(sha256.New, []byte(m.apiSecret))
	mac.Write([]byte(fields["date"] + fields["salt"]))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(fields["signature"])) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

type Handler struct {
	aggregator *MockAggregator
}

func NewHandler(aggregator *MockAggregator) *Handler {
	return &Handler{aggregator: aggregator}
}

// AuthMiddleware rejects requests whose HMAC header does not verify.
func (h *Handler) AuthMiddleware(c *gin.Context) {
	if err := h.aggregator.verifySignature(c.GetHeader("Authorization")); err != nil {
		log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("Rejected unauthenticated request")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"errorCode":    "InvalidAPIKey",
			"errorMessage": err.Error(),
		})
		return
	}
	c.Next()
}

// SendMany handles one batch dispatch call.
func (h *Handler) SendMany(c *gin.Context) {
	var req sendManyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"errorCode":    "ValidationError",
			"errorMessage": err.Error(),
		})
		return
	}

	time.Sleep(h.aggregator.randomDelay())

	groupID := "G" + uuid.New().String()[:13]
	now := time.Now().UTC().Format(time.RFC3339)

	results := make([]recipientResult, len(req.Messages))
	accepted := 0
	for i, msg := range req.Messages {
		if h.aggregator.shouldAccept() {
			results[i] = recipientResult{
				Phone:      msg.To,
				StatusCode: acceptedStatusCode,
				Status:     "success",
				MessageID:  "M" + uuid.New().String()[:13],
			}
			accepted++
			h.aggregator.mu.Lock()
			h.aggregator.messages = append(h.aggregator.messages, groupMessage{
				GroupID:    groupID,
				To:         msg.To,
				StatusCode: acceptedStatusCode,
				CreatedAt:  now,
				SentAt:     now,
			})
			h.aggregator.mu.Unlock()
		} else {
			results[i] = recipientResult{
				Phone:      msg.To,
				StatusCode: rejectedStatusCode,
				Status:     "failed",
				ErrorMsg:   "recipient rejected by carrier",
			}
		}
	}

	log.Info().
		Str("group_id", groupID).
		Int("recipients", len(req.Messages)).
		Int("accepted", accepted).
		Msg("Batch processed")

	c.JSON(http.StatusOK, sendManyResponse{GroupID: groupID, Results: results})
}

// UploadFile stores nothing and hands back a fresh media handle.
func (h *Handler) UploadFile(c *gin.Context) {
	var req mediaUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"errorCode":    "ValidationError",
			"errorMessage": err.Error(),
		})
		return
	}

	fileID := "ST" + uuid.New().String()[:16]

	log.Info().
		Str("file_id", fileID).
		Str("name", req.Name).
		Int("encoded_bytes", len(req.File)).
		Msg("Media stored")

	c.JSON(http.StatusOK, gin.H{"fileId": fileID})
}

// ListMessages returns recorded messages, filtered by groupId when given.
func (h *Handler) ListMessages(c *gin.Context) {
	groupID := c.Query("groupId")

	h.aggregator.mu.Lock()
	defer h.aggregator.mu.Unlock()

	var out []groupMessage
	for _, msg := range h.aggregator.messages {
		if groupID == "" || msg.GroupID == groupID {
			out = append(out, msg)
		}
	}

	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"accept_rate": h.aggregator.acceptRate,
		"timestamp":   time.Now(),
	})
}

// UpdateConfig changes the accept rate at runtime, for failure drills.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		AcceptRate *float64 `json:"accept_rate"`
	}

	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if config.AcceptRate != nil {
		if *config.AcceptRate >= 0 && *config.AcceptRate <= 1.0 {
			h.aggregator.acceptRate = *config.AcceptRate
			log.Info().Float64("rate", *config.AcceptRate).Msg("Updated accept rate")
		}
	}

	c.JSON(http.StatusOK, gin.H{"accept_rate": h.aggregator.acceptRate})
}

// SetupRouter configures all routes
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request processed")
	})

	authed := router.Group("/")
	authed.Use(handler.AuthMiddleware)
	{
		authed.POST("/messages/v4/send-many", handler.SendMany)
		authed.GET("/messages/v4/list", handler.ListMessages)
		authed.POST("/storage/v1/files", handler.UploadFile)
	}

	router.GET("/health", handler.HealthCheck)
	router.PUT("/config", handler.UpdateConfig)

	return router
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8081")
	apiKey := getEnv("AGGREGATOR_API_KEY", "test-key")
	apiSecret := getEnv("AGGREGATOR_API_SECRET", "test-secret")
	acceptRate := getEnvFloat("ACCEPT_RATE", 1)
	minDelay := getEnvDuration("MIN_DELAY", 50*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 500*time.Millisecond)

	log.Info().
		Str("port", port).
		Float64("accept_rate", acceptRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting mock aggregator")

	aggregator := NewMockAggregator(apiKey, apiSecret, acceptRate, minDelay, maxDelay)
	handler := NewHandler(aggregator)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
