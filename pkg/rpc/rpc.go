package rpc

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/meridianfi/crossd/pkg/coordinator"
	"go.uber.org/zap"
)

// Request defines a JSON-RPC 2.0 request object.
type Request struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response defines a JSON-RPC 2.0 response object.
type Response struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error defines a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// Error codes
const (
	ErrorCodeParseError        = -32700
	ErrorMessageParseError     = "Parse error"
	ErrorCodeMethodNotFound    = -32601
	ErrorMessageMethodNotFound = "Method not found"
	ErrorCodeInvalidParams     = -32602
	ErrorMessageInvalidParams  = "Invalid params"
	ErrorCodeInternalError     = -32603
	ErrorMessageInternalError  = "Internal error"
)

func NewResponse(id interface{}, result json.RawMessage, err *Error) Response {
	return Response{
		Version: "2.0",
		ID:      id,
		Result:  result,
		Error:   err,
	}
}

func NewError(code int, message string, data string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Method is one JSON-RPC operation on the coordinator.
type Method interface {
	Name() string
	Query(coord coordinator.Coordinator, params json.RawMessage) (json.RawMessage, error)
}

// Server exposes the coordinator over authenticated JSON-RPC.
type Server interface {
	AddMethod(m Method)

	// Handler returns the underlying http handler, used by tests.
	Handler() http.Handler

	// Start listens on the address, it is blocking.
	Start(addr string) error

	Stop(ctx context.Context) error
}

type server struct {
	logger  *zap.Logger
	coord   coordinator.Coordinator
	methods map[string]Method
	authsha [sha256.Size]byte
	engine  *gin.Engine
	httpSrv *http.Server
}

func NewServer(coord coordinator.Coordinator, user, pass string, logger *zap.Logger) (Server, error) {
	if user == "" || pass == "" {
		return nil, fmt.Errorf("rpc username and password must be specified")
	}
	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))

	s := &server{
		logger:  logger.With(zap.String("service", "rpc")),
		coord:   coord,
		methods: map[string]Method{},
		authsha: sha256.Sum256([]byte(auth)),
	}

	s.AddMethod(Health())
	s.AddMethod(InitiateSwap())
	s.AddMethod(ListSessions())
	s.AddMethod(GetSession())
	s.AddMethod(AbortSession())

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	authRoutes := engine.Group("/")
	authRoutes.Use(s.authenticate)
	authRoutes.POST("/", s.handleJSONRPC)

	s.engine = engine
	return s, nil
}

func (s *server) AddMethod(m Method) {
	s.methods[m.Name()] = m
}

func (s *server) Handler() http.Handler {
	return s.engine
}

func (s *server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.engine}
	s.logger.Info("rpc listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *server) handleJSONRPC(ctx *gin.Context) {
	req := Request{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, NewResponse(req.ID, nil, NewError(ErrorCodeParseError, ErrorMessageParseError, err.Error())))
		return
	}

	m, ok := s.methods[req.Method]
	if !ok {
		ctx.JSON(http.StatusNotFound, NewResponse(req.ID, nil, NewError(ErrorCodeMethodNotFound, ErrorMessageMethodNotFound, req.Method)))
		return
	}

	result, err := m.Query(s.coord, req.Params)
	if err != nil {
		s.logger.Error("method failed", zap.String("method", req.Method), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, NewResponse(req.ID, nil, NewError(ErrorCodeInternalError, ErrorMessageInternalError, err.Error())))
		return
	}

	ctx.JSON(http.StatusOK, NewResponse(req.ID, result, nil))
}

func (s *server) authenticate(ctx *gin.Context) {
	authhdr := ctx.GetHeader("Authorization")
	if len(authhdr) == 0 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized Invalid credentials"})
		return
	}
	authsha := sha256.Sum256([]byte(authhdr))
	if subtle.ConstantTimeCompare(authsha[:], s.authsha[:]) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized Invalid credentials"})
		return
	}
}
