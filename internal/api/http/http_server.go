package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/olyamironova/spot-exchange/internal/api/dto"
	"github.com/olyamironova/spot-exchange/internal/core"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/middleware"
	"github.com/olyamironova/spot-exchange/internal/recorder"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultDepthLimit = 100

type HTTPServer struct {
	ex      *core.Exchange
	rec     *recorder.Recorder
	stream  http.Handler
	limiter *middleware.RateLimiter
	logger  *zap.Logger
}

// NewHTTPServer wires the REST API. rec and stream may be nil, which turns
// off the snapshot and websocket routes.
func NewHTTPServer(ex *core.Exchange, rec *recorder.Recorder, stream http.Handler, rateLimit time.Duration, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		ex:      ex,
		rec:     rec,
		stream:  stream,
		limiter: middleware.NewRateLimiter(rateLimit),
		logger:  logger,
	}
}

func (s *HTTPServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(s.logger))

	r.GET("/ping", s.ping)
	r.GET("/time", s.serverTime)
	r.GET("/books", s.listBooks)
	r.GET("/depth", s.depth)
	r.GET("/books/:symbol/stats", s.bookStats)
	if s.stream != nil {
		r.GET("/ws", gin.WrapH(s.stream))
	}

	// Middleware rate-limiting
	api := r.Group("/", s.limiter.Middleware())
	api.POST("/orders", s.submitOrder)
	api.POST("/orders/update", s.updateOrder)
	api.POST("/orders/cancel", s.cancelOrder)
	api.POST("/orders/cancel-all", s.cancelAll)
	api.POST("/orders/cancel-replace", s.cancelReplace)
	api.GET("/orders", s.getOrders)
	api.GET("/orders/:id", s.getOrder)
	api.GET("/orders/:id/trades", s.getOrderTrades)
	api.GET("/trades", s.getTrades)
	api.GET("/account", s.account)
	api.POST("/account/deposit", s.deposit)
	api.POST("/account/withdraw", s.withdraw)

	api.POST("/books", s.newBook)
	api.POST("/books/snapshot", s.snapshotBook)
	api.POST("/books/seed", s.seedBook)
	api.POST("/reset", s.reset)
	return r
}

func (s *HTTPServer) Run(addr string) error {
	return s.Router().Run(addr)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *HTTPServer) failResult(c *gin.Context, res *domain.ExecutionResult, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": dto.FromResult(res)})
}

func (s *HTTPServer) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{})
}

func (s *HTTPServer) serverTime(c *gin.Context) {
	c.JSON(http.StatusOK, dto.ServerTimeResponse{ServerTime: time.Now().UnixMilli()})
}

func (s *HTTPServer) listBooks(c *gin.Context) {
	c.JSON(http.StatusOK, dto.BooksResponse{Symbols: s.ex.Books()})
}

func (s *HTTPServer) depth(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		s.fail(c, fmt.Errorf("%w: symbol is required", domain.ErrValidation))
		return
	}
	limit := defaultDepthLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(c, fmt.Errorf("%w: invalid limit %q", domain.ErrValidation, v))
			return
		}
		limit = n
	}
	if c.Query("cached") == "true" && s.rec != nil {
		d, err := s.rec.CachedDepth(c.Request.Context(), symbol)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, dto.FromDepth(*d))
		return
	}
	d, err := s.ex.Depth(symbol, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromDepth(d))
}

func (s *HTTPServer) bookStats(c *gin.Context) {
	ob, err := s.ex.Book(c.Param("symbol"))
	if err != nil {
		s.fail(c, err)
		return
	}
	opt := func(v decimal.Decimal, ok bool) *decimal.Decimal {
		if !ok {
			return nil
		}
		return &v
	}
	bid, bok := ob.BestBid()
	ask, aok := ob.BestAsk()
	c.JSON(http.StatusOK, dto.BookStatsResponse{
		Symbol:           ob.Symbol(),
		Version:          ob.Version(),
		BestBid:          dto.FromLevel(bid, bok),
		BestAsk:          dto.FromLevel(ask, aok),
		Spread:           opt(ob.Spread()),
		Midprice:         opt(ob.Midprice()),
		WeightedMidprice: opt(ob.WeightedMidprice()),
		Imbalance:        opt(ob.Imbalance(0)),
		BidsVolume:       ob.BidsVolume(),
		AsksVolume:       ob.AsksVolume(),
		BidLevels:        ob.NumBids(),
		AskLevels:        ob.NumAsks(),
	})
}

func (s *HTTPServer) submitOrder(c *gin.Context) {
	var req dto.SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := req.Params(middleware.ClientID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.ex.SubmitOrder(req.Symbol, p)
	if err != nil {
		s.failResult(c, res, err)
		return
	}
	c.JSON(http.StatusOK, s.withOrder(req.Symbol, res))
}

// withOrder attaches the order's state after the operation.
func (s *HTTPServer) withOrder(symbol string, res *domain.ExecutionResult) dto.ExecutionResponse {
	out := dto.FromResult(res)
	ob, err := s.ex.Book(symbol)
	if err != nil || res.OrderID == "" {
		return out
	}
	if snap, err := ob.Order(res.OrderID); err == nil {
		o := dto.FromOrder(snap)
		out.Order = &o
	}
	return out
}

func (s *HTTPServer) updateOrder(c *gin.Context) {
	var req dto.UpdateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.ex.UpdateOrder(middleware.ClientID(c), req.Symbol, req.OrderID, req.Quantity)
	if err != nil {
		s.failResult(c, res, err)
		return
	}
	c.JSON(http.StatusOK, s.withOrder(req.Symbol, res))
}

func (s *HTTPServer) cancelOrder(c *gin.Context) {
	var req dto.CancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OrderID == "" && req.ClientOrderID == "" {
		s.fail(c, fmt.Errorf("%w: order_id or client_order_id is required", domain.ErrValidation))
		return
	}
	res, err := s.ex.CancelOrder(middleware.ClientID(c), req.Symbol, req.OrderID, req.ClientOrderID)
	if err != nil {
		s.failResult(c, res, err)
		return
	}
	c.JSON(http.StatusOK, s.withOrder(req.Symbol, res))
}

func (s *HTTPServer) cancelAll(c *gin.Context) {
	var req dto.CancelAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results, err := s.ex.CancelAll(middleware.ClientID(c), req.Symbol)
	if err != nil && len(results) == 0 {
		s.fail(c, err)
		return
	}
	out := make([]dto.ExecutionResponse, len(results))
	for i, r := range results {
		out[i] = s.withOrder(req.Symbol, r)
	}
	c.JSON(http.StatusOK, out)
}

func (s *HTTPServer) cancelReplace(c *gin.Context) {
	var req dto.CancelReplaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	clientID := middleware.ClientID(c)
	p, err := req.NewOrder.Params(clientID)
	if err != nil {
		s.fail(c, err)
		return
	}
	canceled, placed, err := s.ex.CancelReplace(clientID, req.Symbol, req.CancelOrderID, req.CancelClientOrderID, p)
	out := dto.CancelReplaceResponse{Cancel: s.withOrder(req.Symbol, canceled)}
	if placed != nil {
		np := s.withOrder(req.Symbol, placed)
		out.NewOrder = &np
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": out})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *HTTPServer) getOrders(c *gin.Context) {
	orders, err := s.ex.Orders(middleware.ClientID(c), c.Query("symbol"), c.Query("open") == "true")
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.GetOrdersResponse{Orders: dto.FromOrders(orders)})
}

func (s *HTTPServer) getOrder(c *gin.Context) {
	o, err := s.ex.Order(middleware.ClientID(c), c.Query("symbol"), c.Param("id"), "")
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromOrder(o))
}

func (s *HTTPServer) getOrderTrades(c *gin.Context) {
	trades, err := s.ex.Trades(middleware.ClientID(c), c.Query("symbol"), c.Param("id"), time.Time{}, time.Time{})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.GetTradesResponse{Trades: dto.FromTrades(trades)})
}

func (s *HTTPServer) getTrades(c *gin.Context) {
	from, err := millis(c.Query("start_time"))
	if err != nil {
		s.fail(c, err)
		return
	}
	to, err := millis(c.Query("end_time"))
	if err != nil {
		s.fail(c, err)
		return
	}
	trades, err := s.ex.Trades(middleware.ClientID(c), c.Query("symbol"), c.Query("order_id"), from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.GetTradesResponse{Trades: dto.FromTrades(trades)})
}

// millis parses a unix millisecond timestamp; empty means unbounded.
func millis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", domain.ErrValidation, v)
	}
	return time.UnixMilli(ms), nil
}

func (s *HTTPServer) account(c *gin.Context) {
	clientID := middleware.ClientID(c)
	c.JSON(http.StatusOK, dto.FromBalances(clientID, s.ex.Balances(clientID)))
}

func (s *HTTPServer) deposit(c *gin.Context) {
	s.moveFunds(c, s.ex.Deposit)
}

func (s *HTTPServer) withdraw(c *gin.Context) {
	s.moveFunds(c, s.ex.Withdraw)
}

func (s *HTTPServer) moveFunds(c *gin.Context, op func(clientID, asset string, amount decimal.Decimal) (domain.BalanceSnapshot, error)) {
	var req dto.FundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	clientID := middleware.ClientID(c)
	b, err := op(clientID, req.Asset, req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromBalances(clientID, []domain.BalanceSnapshot{b}))
}

func (s *HTTPServer) newBook(c *gin.Context) {
	var req dto.NewBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ob, err := s.ex.NewBook(req.Symbol)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.BooksResponse{Symbols: []string{ob.Symbol()}})
}

func (s *HTTPServer) snapshotBook(c *gin.Context) {
	var req dto.SnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.rec == nil {
		s.fail(c, fmt.Errorf("%w: snapshots are disabled", domain.ErrInvalidState))
		return
	}
	id, err := s.rec.SaveSnapshot(c.Request.Context(), req.Symbol)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SnapshotResponse{SnapshotID: id, Message: "snapshot created"})
}

// seedBook loads a stored snapshot into a book as FAKE liquidity.
func (s *HTTPServer) seedBook(c *gin.Context) {
	var req dto.SeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.rec == nil {
		s.fail(c, fmt.Errorf("%w: snapshots are disabled", domain.ErrInvalidState))
		return
	}
	ob, err := s.ex.Book(req.Symbol)
	if err != nil {
		s.fail(c, err)
		return
	}
	snap, err := s.rec.LoadSnapshot(c.Request.Context(), req.SnapshotID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := ob.ApplySnapshot(*snap); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromDepth(ob.Depth(defaultDepthLimit)))
}

func (s *HTTPServer) reset(c *gin.Context) {
	s.ex.Reset()
	c.JSON(http.StatusOK, gin.H{})
}
