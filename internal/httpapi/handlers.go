package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"contact-center/internal/audit"
	"contact-center/internal/dispatch"
	"contact-center/internal/ivr"
	"contact-center/internal/metrics"
	"contact-center/internal/queue"
	"contact-center/internal/rbac"
	"contact-center/internal/routing"
	"contact-center/internal/sla"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Queue      *queue.Service
	IVR        *ivr.Manager
	SLA        *sla.Service
	Audit      *audit.Service
	Routing    *routing.Engine
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics

	// PublicBaseURL is the origin vendors sign callback URLs against.
	PublicBaseURL string
	// SLATarget and SLABucket are used when a request does not name them.
	SLATarget time.Duration
	SLABucket time.Duration
}

// RegisterV1 mounts the operator API on g. Authentication runs before g.
func (h Handlers) RegisterV1(g *gin.RouterGroup) {
	operators := rbac.RequireAnyRole(rbac.RoleSupervisor, rbac.RoleService)
	adminOnly := rbac.RequireAnyRole(rbac.RoleAdmin)

	q := g.Group("/queue", operators)
	{
		q.GET("", h.ListQueue)
		q.POST("", h.Enqueue)
		q.GET("/:id", h.GetEntry)
		q.POST("/:id/route", h.RouteCall)
		q.GET("/:id/wait", h.EstimatedWait)
		q.POST("/:id/answered", h.MarkAnswered)
		q.POST("/:id/abandoned", h.MarkAbandoned)
		q.POST("/:id/completed", h.MarkCompleted)
	}

	sessions := g.Group("/ivr/sessions", rbac.RequireAnyRole(rbac.RoleService))
	{
		sessions.POST("", h.StartSession)
		sessions.GET("/:call_id", h.GetSession)
		sessions.POST("/:call_id/input", h.SessionInput)
		sessions.POST("/:call_id/timeout", h.SessionTimeout)
		sessions.DELETE("/:call_id", h.EndSession)
	}
	g.POST("/ivr/flows", adminOnly, h.PublishFlow)
	g.GET("/ivr/analytics", operators, h.IVRAnalytics)

	g.GET("/sla", operators, h.SLASnapshot)
	g.GET("/routing/stats", adminOnly, h.RuleStats)
	g.GET("/routing/logs", operators, h.RoutingLogs)
}

// --- Queue ---

func (h Handlers) ListQueue(c *gin.Context) {
	f := queue.Filter{TeamID: c.Query("team_id")}
	if !rbac.CanAccessTeam(c, f.TeamID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, queue.Status(strings.TrimSpace(s)))
		}
	}
	entries, err := h.Queue.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handlers) Enqueue(c *gin.Context) {
	var req queue.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if !rbac.CanAccessTeam(c, req.TeamID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	e, err := h.Queue.Enqueue(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (h Handlers) GetEntry(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h Handlers) RouteCall(c *gin.Context) {
	if _, ok := h.entry(c); !ok {
		return
	}
	res, err := h.Queue.RouteCall(c.Request.Context(), c.Param("id"))
	if errors.Is(err, routing.ErrNoMatch) {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) EstimatedWait(c *gin.Context) {
	if _, ok := h.entry(c); !ok {
		return
	}
	est, err := h.Queue.EstimatedWait(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, est)
}

func (h Handlers) MarkAnswered(c *gin.Context) {
	h.transition(c, h.Queue.MarkAnswered)
}

func (h Handlers) MarkAbandoned(c *gin.Context) {
	h.transition(c, h.Queue.MarkAbandoned)
}

func (h Handlers) MarkCompleted(c *gin.Context) {
	h.transition(c, h.Queue.MarkCompleted)
}

func (h Handlers) transition(c *gin.Context, fn func(ctx context.Context, id string) (queue.Entry, error)) {
	if _, ok := h.entry(c); !ok {
		return
	}
	e, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// entry loads the path entry and enforces the caller's team scope.
func (h Handlers) entry(c *gin.Context) (queue.Entry, bool) {
	e, err := h.Queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return queue.Entry{}, false
	}
	if !rbac.CanAccessTeam(c, e.TeamID) {
		// Entries of other teams are indistinguishable from missing ones.
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return queue.Entry{}, false
	}
	return e, true
}

// --- IVR ---

type startSessionRequest struct {
	FlowID      string `json:"flow_id"`
	CallID      string `json:"call_id"`
	CallerPhone string `json:"caller_phone"`
	Language    string `json:"language"`
}

type inputRequest struct {
	Input string        `json:"input"`
	Type  ivr.InputType `json:"type"`
	Seq   uint64        `json:"seq"`
}

type timeoutRequest struct {
	Seq uint64 `json:"seq"`
}

func (h Handlers) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.FlowID == "" || req.CallID == "" {
		badRequest(c, "flow_id and call_id required")
		return
	}
	s, res, err := h.IVR.StartSession(c.Request.Context(), req.FlowID, req.CallID, req.CallerPhone, req.Language)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": s, "result": res})
}

func (h Handlers) GetSession(c *gin.Context) {
	s, err := h.IVR.Get(c.Request.Context(), c.Param("call_id"))
	if errors.Is(err, ivr.ErrExecution) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) SessionInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.Type == "" {
		req.Type = ivr.InputDTMF
	}
	if req.Type != ivr.InputDTMF && req.Type != ivr.InputSpeech {
		badRequest(c, "type must be dtmf or speech")
		return
	}
	if req.Seq == 0 {
		badRequest(c, "seq required")
		return
	}
	res, err := h.IVR.HandleInput(c.Request.Context(), c.Param("call_id"), ivr.Input{Raw: req.Input, Type: req.Type, Seq: req.Seq})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) SessionTimeout(c *gin.Context) {
	var req timeoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.Seq == 0 {
		badRequest(c, "seq required")
		return
	}
	res, err := h.IVR.HandleTimeout(c.Request.Context(), c.Param("call_id"), req.Seq)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) EndSession(c *gin.Context) {
	reason := ivr.ExitReason(c.DefaultQuery("reason", string(ivr.ExitAbandoned)))
	s, err := h.IVR.EndSession(c.Request.Context(), c.Param("call_id"), reason, c.Query("transferred_to"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// PublishFlow accepts a flow as JSON, or as YAML when the content type says so.
func (h Handlers) PublishFlow(c *gin.Context) {
	var f ivr.Flow
	if strings.Contains(c.ContentType(), "yaml") {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			badRequest(c, "unreadable body")
			return
		}
		if f, err = ivr.ParseFlow(raw); err != nil {
			writeError(c, err)
			return
		}
	} else if err := c.ShouldBindJSON(&f); err != nil {
		badRequest(c, "invalid json")
		return
	}
	published, err := h.IVR.Publish(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, published)
}

func (h Handlers) IVRAnalytics(c *gin.Context) {
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	a, err := h.IVR.Analytics(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// --- SLA and routing ---

func (h Handlers) SLASnapshot(c *gin.Context) {
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	req := sla.Request{
		TeamID: c.Query("team_id"),
		Range:  sla.TimeRange{From: from, To: to},
		Target: h.SLATarget,
	}
	if !rbac.CanAccessTeam(c, req.TeamID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if raw := c.Query("target"); raw != "" {
		d, err := parseSeconds(raw)
		if err != nil {
			badRequest(c, "target must be a duration or seconds")
			return
		}
		req.Target = d
	}
	if raw := c.Query("bucket"); raw != "" {
		d, err := parseSeconds(raw)
		if err != nil {
			badRequest(c, "bucket must be a duration or seconds")
			return
		}
		req.Bucket = d
	}
	snap, err := h.SLA.Snapshot(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h Handlers) RuleStats(c *gin.Context) {
	if h.Routing == nil || h.Routing.Stats == nil {
		c.JSON(http.StatusOK, gin.H{"rules": map[string]routing.RuleCounters{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": h.Routing.Stats.Snapshot()})
}

func (h Handlers) RoutingLogs(c *gin.Context) {
	f := audit.LogFilter{CallID: c.Query("call_id"), TeamID: c.Query("team_id")}
	if !rbac.CanAccessTeam(c, f.TeamID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if c.Query("from") != "" || c.Query("to") != "" {
		from, to, ok := timeRange(c)
		if !ok {
			return
		}
		f.From, f.To = from, to
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	logs, err := h.Audit.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// timeRange reads RFC 3339 from/to query parameters; to is exclusive.
func timeRange(c *gin.Context) (time.Time, time.Time, bool) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		badRequest(c, "from must be RFC 3339")
		return time.Time{}, time.Time{}, false
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		badRequest(c, "to must be RFC 3339")
		return time.Time{}, time.Time{}, false
	}
	if !to.After(from) {
		badRequest(c, "to must be after from")
		return time.Time{}, time.Time{}, false
	}
	return from.UTC(), to.UTC(), true
}

// parseSeconds accepts "20s"-style durations or a bare number of seconds.
func parseSeconds(raw string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		if n <= 0 {
			return 0, errors.New("must be positive")
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}
