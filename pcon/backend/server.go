// Package backend is an in-memory prompt backend speaking the console's
// wire protocol. Replies are produced by a Responder and streamed into the
// results table chunk by chunk, so clients observe partial text while
// polling. It backs the end-to-end tests and `pcon serve-stub`.
package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/prompt-console/pcon/gateway"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Message is one entry of the backend's conversation history.
type Message struct {
	Role    string
	Content string
}

// Responder produces the reply to content as a sequence of chunks.
// history already ends with the user message.
type Responder func(system string, history []Message, content string) []string

// EchoResponder answers "You said: <content>", one word per chunk.
func EchoResponder(_ string, _ []Message, content string) []string {
	return strings.SplitAfter("You said: "+content, " ")
}

var defaultPrompts = []gateway.Prompt{
	{Version: "v1", Name: "Helpful Assistant", Prompt: "You are a helpful, friendly, and knowledgeable assistant. Provide clear, concise, and accurate responses."},
	{Version: "v2", Name: "Technical Expert", Prompt: "You are a technical expert in software engineering. Provide detailed, precise explanations."},
	{Version: "v3", Name: "Creative Writer", Prompt: "You are a creative writing assistant. Be imaginative and supportive."},
	{Version: "v4", Name: "Business Consultant", Prompt: "You are a business consultant. Provide actionable, data-driven insights."},
}

const defaultResultRetention = 1024

type result struct {
	Message   string `json:"message"`
	Completed bool   `json:"completed"`
}

// Server holds all backend state in memory.
type Server struct {
	logger     zerolog.Logger
	chunkDelay time.Duration
	responder  Responder
	retention  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	results map[string]result
	settled []string // completed result ids, oldest first
	history []Message
	system  string
	prompts []gateway.Prompt
	active  map[string]string
	closed  bool
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithChunkDelay sets the pause before each streamed chunk.
func WithChunkDelay(d time.Duration) Option {
	return func(s *Server) { s.chunkDelay = d }
}

func WithResponder(r Responder) Option {
	return func(s *Server) { s.responder = r }
}

// WithResultRetention bounds how many completed results stay queryable.
// Older ones are dropped and answer 404.
func WithResultRetention(n int) Option {
	return func(s *Server) { s.retention = n }
}

// WithPrompts replaces the stored prompt versions.
func WithPrompts(prompts []gateway.Prompt) Option {
	return func(s *Server) { s.prompts = append([]gateway.Prompt(nil), prompts...) }
}

func New(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:    zerolog.Nop(),
		responder: EchoResponder,
		retention: defaultResultRetention,
		ctx:       ctx,
		cancel:    cancel,
		results:   make(map[string]result),
		prompts:   append([]gateway.Prompt(nil), defaultPrompts...),
		active:    map[string]string{"staging": "", "prod": ""},
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.prompts) > 0 {
		s.system = s.prompts[0].Prompt
	}
	return s
}

// Handler returns a gin engine serving every route.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.Register(r)
	return r
}

// Register mounts the API routes on r.
func (s *Server) Register(r gin.IRouter) {
	api := r.Group("/api")
	api.POST("/messages", s.handleAddMessage)
	api.POST("/messages/clear", s.handleClearMessages)
	api.GET("/results/:id", s.handleGetResult)
	api.GET("/system-message", s.handleGetSystemMessage)
	api.POST("/system-message", s.handleSetSystemMessage)
	api.GET("/prompts", s.handleListPrompts)
	api.GET("/prompts/active", s.handleGetActive)
	api.POST("/prompts/active", s.handleSetActive)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// ListenAndServe serves on addr until ctx ends, then shuts down and waits
// for streaming replies to stop.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", addr).Msg("stub backend listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return err
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close stops streaming replies and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// History returns a copy of the conversation history.
func (s *Server) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history...)
}

type addMessageRequest struct {
	Content *string `json:"content"`
	Sender  string  `json:"sender"`
}

func (s *Server) handleAddMessage(c *gin.Context) {
	var req addMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	content, err := url.PathUnescape(*req.Content)
	if err != nil {
		content = *req.Content
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server closing"})
		return
	}
	s.history = append(s.history, Message{Role: "user", Content: content})
	history := append([]Message(nil), s.history...)
	system := s.system
	id := uuid.NewString()
	s.results[id] = result{}
	s.mu.Unlock()

	chunks := s.responder(system, history, content)

	// Spawn under the lock so Close cannot start waiting in between.
	s.mu.Lock()
	if s.closed {
		delete(s.results, id)
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server closing"})
		return
	}
	s.wg.Go(func() { s.stream(id, chunks) })
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"result_id": id})
}

func (s *Server) stream(id string, chunks []string) {
	var text strings.Builder
	for _, chunk := range chunks {
		if s.chunkDelay > 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.chunkDelay):
			}
		}
		text.WriteString(chunk)
		s.mu.Lock()
		s.results[id] = result{Message: text.String()}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.results[id] = result{Message: text.String(), Completed: true}
	s.settled = append(s.settled, id)
	for s.retention > 0 && len(s.settled) > s.retention {
		delete(s.results, s.settled[0])
		s.settled = s.settled[1:]
	}
	s.history = append(s.history, Message{Role: "assistant", Content: text.String()})
	s.mu.Unlock()
	s.logger.Debug().Str("result_id", id).Int("chunks", len(chunks)).Msg("reply completed")
}

func (s *Server) handleGetResult(c *gin.Context) {
	s.mu.Lock()
	res, ok := s.results[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Result not found"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleClearMessages(c *gin.Context) {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetSystemMessage(c *gin.Context) {
	s.mu.Lock()
	msg := s.system
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

type systemMessageRequest struct {
	Prompt *string `json:"prompt"`
	Role   string  `json:"role"`
}

func (s *Server) handleSetSystemMessage(c *gin.Context) {
	var req systemMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Prompt == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	s.mu.Lock()
	s.system = *req.Prompt
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListPrompts(c *gin.Context) {
	s.mu.Lock()
	prompts := append([]gateway.Prompt(nil), s.prompts...)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

func (s *Server) handleGetActive(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, s.activeLocked())
}

// activeLocked renders unset environments as null.
func (s *Server) activeLocked() gin.H {
	out := gin.H{}
	for env, version := range s.active {
		if version == "" {
			out[env] = nil
		} else {
			out[env] = version
		}
	}
	return out
}

type setActiveRequest struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
}

func (s *Server) handleSetActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[req.Environment]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid environment"})
		return
	}
	s.active[req.Environment] = req.Version
	if req.Environment == "staging" {
		for _, p := range s.prompts {
			if p.Version == req.Version {
				s.system = p.Prompt
				break
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "environment": req.Environment, "version": req.Version})
}
