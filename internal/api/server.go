// Package api provides the HTTP query surface over the live-stats and
// parser servers, grounded on the teacher's internal/api/server.go gin
// setup and lifecycle, adapted to the {err_no,err_msg,data} envelope
// this pipeline's consumers expect instead of the teacher's bare JSON.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tos-network/pool-stats/internal/livestats"
	"github.com/tos-network/pool-stats/internal/parserserver"
	"github.com/tos-network/pool-stats/internal/util"
)

// err_no values, matching the original's response convention.
const (
	errNoOK          = 0
	errNoBadArgument = 1
	errNoInitializing = 2
)

// envelope is the {err_no,err_msg,data} response shape every endpoint
// returns.
type envelope struct {
	ErrNo  int         `json:"err_no"`
	ErrMsg string      `json:"err_msg"`
	Data   interface{} `json:"data,omitempty"`
}

func ok(data interface{}) envelope {
	return envelope{ErrNo: errNoOK, ErrMsg: "", Data: data}
}

func errArg(msg string) envelope {
	return envelope{ErrNo: errNoBadArgument, ErrMsg: msg}
}

func errInitializing() envelope {
	return envelope{ErrNo: errNoInitializing, ErrMsg: "server is initializing"}
}

// Server is the HTTP query server binding gin routes to the live-stats
// and parser servers' query methods.
type Server struct {
	live   *livestats.Server
	parser *parserserver.Server
	router *gin.Engine
	server *http.Server
	addr   string
}

// NewServer constructs a Server and registers its routes. parser may be
// nil when running in a role that does not need /share_stats.
func NewServer(addr string, live *livestats.Server, parser *parserserver.Server) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{live: live, parser: parser, router: router, addr: addr}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	s.router.Use(func(c *gin.Context) {
		writer := &countingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()
		if s.live != nil {
			s.live.RecordRequest(writer.n)
		}
	})

	s.router.GET("/", s.handleServerStatus)
	s.router.GET("/worker_status", s.handleWorkerStatus)
	s.router.POST("/worker_status", s.handleWorkerStatus)
	s.router.GET("/flush_db_time", s.handleFlushDBTime)
	if s.parser != nil {
		s.router.GET("/share_stats", s.handleShareStats)
	}
}

// countingWriter tallies response bytes for the server-status
// request/byte counters (spec §4.3.8's "/" endpoint).
type countingWriter struct {
	gin.ResponseWriter
	n int
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.n += n
	return n, err
}

// Start begins serving HTTP.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	util.Infof("api: listening on %s", s.addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("api: server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// ---- handlers ----

// serverStatusJSON is the GET / response body.
type serverStatusJSON struct {
	UptimeSeconds int64             `json:"uptime_seconds"`
	RequestCount  uint64            `json:"request_count"`
	ResponseBytes uint64            `json:"response_bytes"`
	TotalWorkers  uint32            `json:"total_workers"`
	TotalUsers    uint32            `json:"total_users"`
	Pool          workerStatusJSON  `json:"pool"`
}

func (s *Server) handleServerStatus(c *gin.Context) {
	if s.live.Initializing() {
		c.JSON(200, errInitializing())
		return
	}

	st := s.live.Status()
	c.JSON(200, ok(serverStatusJSON{
		UptimeSeconds: int64(st.Uptime.Seconds()),
		RequestCount:  st.RequestCount,
		ResponseBytes: st.ResponseBytes,
		TotalWorkers:  st.TotalWorkers,
		TotalUsers:    st.TotalUsers,
		Pool:          formatWorkerStatusEntry(livestats.WorkerStatusEntry{WorkerID: 0, Status: st.Pool}),
	}))
}

// workerStatusJSON is one worker/user entry in a /worker_status
// response, matching the original's accept/reject window field names.
type workerStatusJSON struct {
	WorkerID    int64    `json:"worker_id"`
	Accept      [4]uint64 `json:"accept"`
	Reject      [4]uint64 `json:"reject"`
	AcceptCount uint32   `json:"accept_count"`
	LastShareIP string   `json:"last_share_ip"`
	LastShareTime uint32 `json:"last_share_time"`
}

// handleWorkerStatus answers GET/POST /worker_status?puid=<id>&worker_id=<id,id,...>&is_merge=<T|F>.
func (s *Server) handleWorkerStatus(c *gin.Context) {
	if s.live.Initializing() {
		c.JSON(200, errInitializing())
		return
	}

	userID, err := parseInt32(c.Query("puid"))
	if err != nil {
		c.JSON(200, errArg("invalid or missing puid"))
		return
	}

	workerIDs, err := parseWorkerIDs(c.Query("worker_id"))
	if err != nil {
		c.JSON(200, errArg("invalid worker_id"))
		return
	}
	if len(workerIDs) == 0 {
		workerIDs = []int64{0}
	}

	isMerge := c.Query("is_merge") == "T"

	entries := s.live.WorkerStatus(userID, workerIDs, isMerge)
	out := make([]workerStatusJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, formatWorkerStatusEntry(e))
	}

	c.JSON(200, ok(out))
}

func (s *Server) handleFlushDBTime(c *gin.Context) {
	c.JSON(200, ok(gin.H{"flush_db_time": s.live.FlushDBTime()}))
}

// hourStatJSON is one hour (or the day total) in a /share_stats
// response.
type hourStatJSON struct {
	Hour       int     `json:"hour"`
	Accept     uint64  `json:"accept"`
	Reject     uint64  `json:"reject"`
	RejectRate float64 `json:"reject_rate"`
	Score      float64 `json:"score"`
	Earn       float64 `json:"earn"`
}

// handleShareStats answers GET /share_stats?user_id=<id>&worker_id=<id,id,...>&hour=<h,h,...>,
// returning a map of worker_id (as a string, for valid JSON object keys) to
// the requested hours' stats, mirroring the original getShareStats/
// _getShareStats split-by-comma, per-worker-keyed response shape.
func (s *Server) handleShareStats(c *gin.Context) {
	userID, err := parseInt32(c.Query("user_id"))
	if err != nil {
		c.JSON(200, errArg("invalid or missing user_id"))
		return
	}

	workerIDs, err := parseWorkerIDs(c.Query("worker_id"))
	if err != nil {
		c.JSON(200, errArg("invalid worker_id"))
		return
	}
	if len(workerIDs) == 0 {
		workerIDs = []int64{0}
	}

	hours, err := parseHours(c.Query("hour"))
	if err != nil {
		c.JSON(200, errArg("invalid hour"))
		return
	}

	out := make(map[string][]hourStatJSON, len(workerIDs))
	for _, workerID := range workerIDs {
		key := strconv.FormatInt(workerID, 10)

		stats, found := s.parser.ShareStats(userID, workerID, hours)
		if !found {
			out[key] = []hourStatJSON{}
			continue
		}

		rows := make([]hourStatJSON, 0, len(stats))
		for _, h := range stats {
			rows = append(rows, hourStatJSON{
				Hour: h.Hour, Accept: h.Accept, Reject: h.Reject,
				RejectRate: h.RejectRate, Score: h.Score, Earn: h.Earn,
			})
		}
		out[key] = rows
	}
	c.JSON(200, ok(out))
}

// ---- parsing/formatting helpers ----

func parseInt32(s string) (int32, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// parseWorkerIDs parses a comma-separated list of worker ids, e.g.
// "1001,1002,0".
func parseWorkerIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, v)
	}
	return ids, nil
}

// parseHours parses a comma-separated list of requested hours, e.g.
// "24,-1,0". An empty string requests just the day total.
func parseHours(s string) ([]int, error) {
	if s == "" {
		return []int{24}, nil
	}
	parts := strings.Split(s, ",")
	hours := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		hours = append(hours, v)
	}
	return hours, nil
}

func formatWorkerStatusEntry(e livestats.WorkerStatusEntry) workerStatusJSON {
	st := e.Status
	return workerStatusJSON{
		WorkerID:      e.WorkerID,
		Accept:        [4]uint64{st.Accept1m, st.Accept5m, st.Accept15m, st.Accept1h},
		Reject:        [4]uint64{0, 0, st.Reject15m, st.Reject1h},
		AcceptCount:   st.AcceptCount,
		LastShareIP:   formatIP(st.LastShareIP),
		LastShareTime: st.LastShareTime,
	}
}

func formatIP(ip uint32) string {
	return fmtIPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

func fmtIPv4(a, b, c, d byte) string {
	return strconv.Itoa(int(a)) + "." + strconv.Itoa(int(b)) + "." + strconv.Itoa(int(c)) + "." + strconv.Itoa(int(d))
}
