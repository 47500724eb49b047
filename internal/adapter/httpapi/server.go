// Package httpapi exposes a write queue and its read queues over HTTP.
package httpapi

import (
	"database/sql"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sqlpipe/pkg/pipeline"
)

// Options configures the router.
type Options struct {
	Logger *slog.Logger
	// Tokens enables bearer token auth on /v1 routes when non-empty.
	Tokens []string
	// RateLimit is the minimum interval between /v1 requests of one client.
	RateLimit time.Duration
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// MaxRows caps query results when the request does not set a limit.
	MaxRows int
}

// Server handles API requests.
type Server struct {
	writer  *pipeline.Queue
	readers []*pipeline.ReadQueue
	next    atomic.Uint64
	log     *slog.Logger
	maxRows int
}

// NewRouter builds the gin engine with all routes.
func NewRouter(writer *pipeline.Queue, readers []*pipeline.ReadQueue, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 10000
	}
	s := &Server{writer: writer, readers: readers, log: opts.Logger, maxRows: opts.MaxRows}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(opts.Logger))

	r.GET("/healthz", s.health)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	if len(opts.Tokens) > 0 {
		v1.Use(NewACL(opts.Tokens).Middleware())
	}
	if opts.RateLimit > 0 {
		v1.Use(NewRateLimiter(opts.RateLimit).Middleware())
	}
	v1.POST("/exec", s.exec)
	v1.POST("/query", s.query)
	v1.POST("/checkpoint", s.checkpoint)
	v1.POST("/readers/refresh", s.refreshReaders)
	v1.GET("/snapshot", s.snapshot)

	return r
}

type statement struct {
	SQL  string `json:"sql" binding:"required"`
	Args []any  `json:"args"`
}

type execRequest struct {
	Statements  []statement `json:"statements" binding:"required,min=1,dive"`
	Transaction string      `json:"transaction" binding:"omitempty,oneof=deferred immediate exclusive DEFERRED IMMEDIATE EXCLUSIVE"`
}

type execResult struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

func (s *Server) exec(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	typ, err := pipeline.ParseTransactionType(req.Transaction)
	if err != nil {
		badRequest(c, err)
		return
	}
	if req.Transaction == "" {
		typ = pipeline.Immediate
	}

	results := make([]execResult, 0, len(req.Statements))
	_, err = s.writer.Transaction(c.Request.Context(), typ, func(conn *pipeline.Connection) (pipeline.TransactionCompletion, error) {
		results = results[:0]
		for _, st := range req.Statements {
			res, err := conn.Execute(st.SQL, convertArgs(st.Args)...)
			if err != nil {
				return pipeline.Rollback, err
			}
			var r execResult
			r.RowsAffected, _ = res.RowsAffected()
			r.LastInsertID, _ = res.LastInsertId()
			results = append(results, r)
		}
		return pipeline.Commit, nil
	})
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type queryRequest struct {
	SQL  string `json:"sql" binding:"required"`
	Args []any  `json:"args"`
	// Primary reads through the write queue and sees its latest commits.
	Primary bool `json:"primary"`
	Limit   int  `json:"limit" binding:"gte=0"`
}

type queryResult struct {
	Queue     string   `json:"queue"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

var errLimitReached = errors.New("row limit reached")

func (s *Server) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	limit := req.Limit
	if limit == 0 || limit > s.maxRows {
		limit = s.maxRows
	}

	res := queryResult{Rows: [][]any{}}
	fn := func(conn *pipeline.Connection) error {
		res.Rows = res.Rows[:0]
		return scanRows(conn, req.SQL, convertArgs(req.Args), limit, &res)
	}

	ctx := c.Request.Context()
	var err error
	if r := s.reader(); r != nil && !req.Primary {
		res.Queue = r.Label()
		err = r.Read(ctx, fn)
	} else {
		res.Queue = s.writer.Label()
		err = s.writer.Sync(ctx, fn)
	}
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func scanRows(conn *pipeline.Connection, query string, args []any, limit int, out *queryResult) error {
	stmt, err := conn.PrepareReadOnly(query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	err = stmt.Results(args, func(rows *sql.Rows) error {
		if out.Columns == nil {
			cols, err := rows.Columns()
			if err != nil {
				return err
			}
			out.Columns = cols
		}
		if len(out.Rows) == limit {
			out.Truncated = true
			return errLimitReached
		}
		values := make([]any, len(out.Columns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
		return nil
	})
	if errors.Is(err, errLimitReached) {
		return nil
	}
	if out.Columns == nil {
		out.Columns = []string{}
	}
	return err
}

type checkpointRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) checkpoint(c *gin.Context) {
	var req checkpointRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	res, err := s.writer.Checkpoint(c.Request.Context(), pipeline.CheckpointMode(req.Mode))
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"busy":                res.Busy,
		"log_frames":          res.LogFrames,
		"checkpointed_frames": res.CheckpointedFrames,
	})
}

type readerState struct {
	Label    string `json:"label"`
	Snapshot string `json:"snapshot,omitempty"`
	Error    string `json:"error,omitempty"`
}

// refreshReaders moves every reader to the newest committed state.
func (s *Server) refreshReaders(c *gin.Context) {
	ctx := c.Request.Context()
	states := make([]readerState, 0, len(s.readers))
	failed := false
	for _, r := range s.readers {
		st := readerState{Label: r.Label()}
		if err := r.UpdateReadTransaction(ctx); err != nil {
			st.Error = err.Error()
			failed = true
		} else if snap, err := r.TakeSnapshot(ctx, "main"); err == nil {
			st.Snapshot = snap.String()
		}
		states = append(states, st)
	}
	status := http.StatusOK
	if failed {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"readers": states})
}

func (s *Server) snapshot(c *gin.Context) {
	r := s.reader()
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no read queues configured"})
		return
	}
	schema := c.DefaultQuery("schema", "main")
	snap, err := r.TakeSnapshot(c.Request.Context(), schema)
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	text, _ := snap.MarshalText()
	c.JSON(http.StatusOK, gin.H{
		"queue":    r.Label(),
		"snapshot": string(text),
		"display":  snap.String(),
	})
}

func (s *Server) health(c *gin.Context) {
	err := s.writer.Sync(c.Request.Context(), func(conn *pipeline.Connection) error {
		var one int
		return conn.QueryRow("SELECT 1").Scan(&one)
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}

	readers := make([]gin.H, 0, len(s.readers))
	for _, r := range s.readers {
		readers = append(readers, gin.H{
			"label":   r.Label(),
			"pending": r.Pending(),
			"pinned":  r.InReadTransaction(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"queue":   s.writer.Label(),
		"pending": s.writer.Pending(),
		"readers": readers,
	})
}

// reader picks read queues round-robin.
func (s *Server) reader() *pipeline.ReadQueue {
	if len(s.readers) == 0 {
		return nil
	}
	n := s.next.Add(1) - 1
	return s.readers[n%uint64(len(s.readers))]
}

// convertArgs turns integral JSON numbers back into int64.
func convertArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if f, ok := a.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			out[i] = int64(f)
			continue
		}
		out[i] = a
	}
	return out
}
