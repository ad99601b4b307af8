package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/dispute"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/health"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/pagination"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/validation"
)

const (
	loopTimeout = 5 * time.Second

	defaultPageSize = 50
	maxPageSize     = 200
)

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// DisputeView is the console form of a dispute. Contract and chat contents
// are left out of listings.
type DisputeView struct {
	ID                   string `json:"id"`
	TradeID              string `json:"tradeId"`
	TraderID             int    `json:"traderId"`
	SupportType          string `json:"supportType"`
	State                string `json:"state"`
	DisputeOpenerIsBuyer bool   `json:"disputeOpenerIsBuyer"`
	DisputeOpenerIsMaker bool   `json:"disputeOpenerIsMaker"`
	OpeningDate          int64  `json:"openingDate"`
	ChatMessages         int    `json:"chatMessages"`
	Unread               int    `json:"unread"`
	Winner               string `json:"winner,omitempty"`
	DisputePayoutTxID    string `json:"disputePayoutTxId,omitempty"`
}

// ChatView is one chat line of a dispute.
type ChatView struct {
	UID             string `json:"uid"`
	Date            int64  `json:"date"`
	SenderIsTrader  bool   `json:"senderIsTrader"`
	IsSystemMessage bool   `json:"isSystemMessage"`
	Message         string `json:"message"`
	Arrived         bool   `json:"arrived"`
	StoredInMailbox bool   `json:"storedInMailbox"`
	Acknowledged    bool   `json:"acknowledged"`
	Error           string `json:"error,omitempty"`
}

// ValidationView is one collected validation failure.
type ValidationView struct {
	SupportType string `json:"supportType"`
	Kind        string `json:"kind"`
	DisputeID   string `json:"disputeId,omitempty"`
	TradeID     string `json:"tradeId,omitempty"`
	Message     string `json:"message"`
}

func viewOf(d *dispute.Dispute) DisputeView {
	v := DisputeView{
		ID:                   d.ID,
		TradeID:              d.TradeID,
		TraderID:             d.TraderID,
		SupportType:          d.SupportType.String(),
		State:                d.State.String(),
		DisputeOpenerIsBuyer: d.DisputeOpenerIsBuyer,
		DisputeOpenerIsMaker: d.DisputeOpenerIsMaker,
		OpeningDate:          d.OpeningDate,
		ChatMessages:         len(d.ChatMessages),
		Unread:               d.BadgeCount(),
		DisputePayoutTxID:    d.DisputePayoutTxID,
	}
	if d.Result != nil {
		v.Winner = d.Result.Winner.String()
	}
	return v
}

func chatViewOf(m *dispute.ChatMessage) ChatView {
	v := ChatView{
		UID:             m.UID,
		Date:            m.Date,
		SenderIsTrader:  m.SenderIsTrader,
		IsSystemMessage: m.IsSystemMessage,
		Message:         m.Message,
		Arrived:         m.Arrived,
		StoredInMailbox: m.StoredInMailbox,
		Acknowledged:    m.Acknowledged,
		Error:           m.SendMessageError,
	}
	if v.Error == "" {
		v.Error = m.AckError
	}
	return v
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), loopTimeout)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)
	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// listDisputes returns stored disputes newest first, optionally filtered by
// ?supportType= and ?state=. Pages hold ?limit= disputes and continue at
// ?cursor=.
func (s *Server) listDisputes(c *gin.Context) {
	supportType := validation.SanitizeString(c.Query("supportType"), validation.MaxStringLength)
	state := validation.SanitizeString(c.Query("state"), validation.MaxStringLength)

	limit := defaultPageSize
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive number"})
			return
		}
		limit = min(n, maxPageSize)
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), loopTimeout)
	defer cancel()

	var views []DisputeView
	err = s.onLoop(ctx, func() {
		for _, desk := range s.desks {
			if supportType != "" && desk.Spec().SupportType.String() != supportType {
				continue
			}
			for _, d := range desk.Disputes() {
				if state != "" && d.State.String() != state {
					continue
				}
				views = append(views, viewOf(d))
			}
		}
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy", "message": err.Error()})
		return
	}
	sort.Slice(views, func(i, j int) bool {
		return pagination.Less(views[i].OpeningDate, views[i].ID, views[j].OpeningDate, views[j].ID)
	})
	page, next := pagination.Page(views, cursor, limit, func(v DisputeView) (int64, string) {
		return v.OpeningDate, v.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"disputes":   page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// getDisputes returns the disputes of one trade with their chat threads.
func (s *Server) getDisputes(c *gin.Context) {
	tradeID := c.Param("tradeId")

	ctx, cancel := context.WithTimeout(c.Request.Context(), loopTimeout)
	defer cancel()

	type threadView struct {
		DisputeView
		Chat []ChatView `json:"chat"`
	}
	var out []threadView
	err := s.onLoop(ctx, func() {
		for _, desk := range s.desks {
			for _, d := range desk.Disputes() {
				if d.TradeID != tradeID {
					continue
				}
				tv := threadView{DisputeView: viewOf(d)}
				for _, m := range d.ChatMessages {
					tv.Chat = append(tv.Chat, chatViewOf(m))
				}
				out = append(out, tv)
			}
		}
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy", "message": err.Error()})
		return
	}
	if len(out) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no dispute for trade " + tradeID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": out})
}

// listValidationExceptions returns what validation flagged since startup.
// Collections are safe for concurrent use, so this does not go through the
// loop.
func (s *Server) listValidationExceptions(c *gin.Context) {
	var views []ValidationView
	for _, desk := range s.desks {
		st := desk.Spec().SupportType.String()
		for _, e := range desk.ValidationExceptions().All() {
			v := ValidationView{
				SupportType: st,
				Kind:        e.Kind.String(),
				Message:     e.Error(),
			}
			if e.Dispute != nil {
				v.DisputeID = e.Dispute.ID
				v.TradeID = e.Dispute.TradeID
			}
			views = append(views, v)
		}
	}
	c.JSON(http.StatusOK, gin.H{"exceptions": views, "count": len(views)})
}

func (s *Server) listCorruptedFiles(c *gin.Context) {
	files := s.corrupted.Files()
	c.JSON(http.StatusOK, gin.H{"files": files, "count": len(files)})
}

func (s *Server) feedStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}
