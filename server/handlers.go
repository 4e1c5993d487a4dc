package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bookflow/internal/symbols"
	"bookflow/models"
)

type subscribeRequest struct {
	Symbol    string   `json:"symbol" binding:"required"`
	Exchanges []string `json:"exchanges"`
}

type exchangesRequest struct {
	Exchanges []string `json:"exchanges"`
}

type unsubscribeRequest struct {
	Symbol string `json:"symbol"`
}

// errorList flattens a joined error into its parts.
func errorList(err error) []string {
	if err == nil {
		return nil
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		out := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// respond reports partial failures with 207 so clients can tell them from a
// rejected request.
func (s *Server) respond(c *gin.Context, err error) {
	body := gin.H{
		"symbol":    s.ctrl.Symbol(),
		"exchanges": s.ctrl.Exchanges(),
		"status":    s.ctrl.Statuses(),
	}
	if err != nil {
		body["errors"] = errorList(err)
		c.JSON(http.StatusMultiStatus, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"symbol":      s.ctrl.Symbol(),
		"subscribers": s.ctrl.Bus().Subscribers(),
		"time":        time.Now().UTC().Format(time.RFC3339),
	}
	if sample, ok := s.sampler.latest(); ok {
		body["goroutines"] = sample.Goroutines
		body["process_rss"] = sample.ProcessRSS
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Exchanges) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exchanges is required"})
		return
	}
	err := s.ctrl.Subscribe(c.Request.Context(), req.Symbol, req.Exchanges)
	if err != nil {
		s.entry.WithSymbol(req.Symbol).WithError(err).Warn("subscribe finished with errors")
	}
	s.respond(c, err)
}

func (s *Server) updateExchanges(c *gin.Context) {
	var req exchangesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.ctrl.UpdateExchanges(c.Request.Context(), req.Exchanges)
	if err != nil {
		s.entry.WithError(err).Warn("exchange update finished with errors")
	}
	s.respond(c, err)
}

func (s *Server) unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.respond(c, s.ctrl.Unsubscribe(c.Request.Context(), req.Symbol))
}

func (s *Server) statuses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbol": s.ctrl.Symbol(), "status": s.ctrl.Statuses()})
}

func (s *Server) status(c *gin.Context) {
	id := strings.ToLower(c.Param("exchange"))
	c.JSON(http.StatusOK, gin.H{"exchange": id, "status": s.ctrl.GetStatus(id)})
}

func (s *Server) reconnect(c *gin.Context) {
	id := strings.ToLower(c.Param("exchange"))
	if err := s.ctrl.Reconnect(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"exchange": id, "status": s.ctrl.GetStatus(id)})
}

func (s *Server) orderBook(c *gin.Context) {
	symbol := symbols.Canonical(c.Param("symbol"))
	var book models.OrderBookData
	switch {
	case symbol == s.ctrl.Symbol():
		book = s.ctrl.OrderBook()
	case s.books != nil:
		b, err := s.books.Latest(c.Request.Context(), symbol)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no book for " + symbol})
			return
		}
		book = b
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "no book for " + symbol})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "book": book})
}

func (s *Server) exchanges(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"supported": s.supported, "enabled": s.ctrl.Exchanges(), "symbol": s.ctrl.Symbol()})
}

// logs serves recent entries, optionally narrowed by ?exchange=, ?level=
// and ?limit=.
func (s *Server) logs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	records := s.logStore.query(logFilter{
		exchange: c.Query("exchange"),
		level:    c.Query("level"),
		limit:    limit,
	})
	c.JSON(http.StatusOK, gin.H{"logs": records})
}

func (s *Server) resources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
}
