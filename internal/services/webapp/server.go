package webapp

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"fraud-sentinel/internal/app"
	"fraud-sentinel/internal/platform/metrics"
)

// Server 是内置 Web UI/API 的运行时对象。
type Server struct {
	opts   Options
	rt     *app.Runtime
	hub    *Hub
	logger *slog.Logger
	detach func()
	// base 是服务生命周期 ctx，监控会话挂在它上面而不是请求 ctx 上。
	base context.Context

	ui fs.FS
}

// Handler 返回完整路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// API
	s.handle(mux, "/api/health", s.handleHealth)
	s.handle(mux, "/api/meta", s.handleMeta)
	s.handle(mux, "/api/monitor", s.handleMonitorStatus)
	s.handle(mux, "/api/monitor/", s.handleMonitorRoutes)
	s.handle(mux, "/api/signals/", s.handleSignalRoutes)
	s.handle(mux, "/api/analyze", s.handleAnalyze)
	s.handle(mux, "/api/alerts", s.handleAlerts)
	s.handle(mux, "/api/alerts/", s.handleAlertRoutes)
	s.handle(mux, "/api/false-positives", s.handleFalsePositives)
	s.handle(mux, "/api/collection", s.handleCollectionStatus)
	s.handle(mux, "/api/collection/stop", s.handleCollectionStop)
	s.handle(mux, "/api/evidence", s.handleEvidenceList)
	s.handle(mux, "/api/evidence/", s.handleEvidenceRoutes)
	s.handle(mux, "/api/reports/", s.handleReportRoutes)
	s.handle(mux, "/api/audits", s.handleAudits)
	s.handle(mux, "/api/audits/verify", s.handleAuditVerify)

	// WebSocket 需要 Hijacker，不经过计数包装。
	mux.HandleFunc("/api/ws", s.hub.HandleWebSocket)
	mux.Handle("/metrics", metrics.Handler())

	// UI（单页应用 + 静态资源）
	//
	// 规则：
	// - 先尝试按路径返回静态文件
	// - 文件不存在且无扩展名时回落到 index.html（支持刷新/直达路由）
	// - 缺失的静态资源（有扩展名）返回 404
	uiFileServer := http.FileServer(http.FS(s.ui))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleUI(w, r, uiFileServer)
	})
}

// handle 注册路由并按路由模板统计请求数。
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request, uiFileServer http.Handler) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// API 路由已在上方注册；这里再兜底一次，避免误把 /api/* 当静态资源处理。
	if strings.HasPrefix(r.URL.Path, "/api/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// "/" 直接交给 FileServer，它会返回目录下的 index.html；
	// 改写成 /index.html 会被规范化重定向回 "./"。
	if r.URL.Path == "/" || r.URL.Path == "" {
		uiFileServer.ServeHTTP(w, r)
		return
	}

	reqPath := strings.TrimPrefix(r.URL.Path, "/")
	if reqPath != "" {
		if info, err := fs.Stat(s.ui, reqPath); err == nil && !info.IsDir() {
			uiFileServer.ServeHTTP(w, r)
			return
		}
	}

	if strings.Contains(reqPath, ".") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	uiFileServer.ServeHTTP(w, r2)
}

// splitRoute 把 /api/<prefix>/<id>/<rest...> 拆成 id 与剩余段。
func splitRoute(path, prefix string) (string, []string) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", nil
	}
	parts := strings.Split(rest, "/")
	return parts[0], parts[1:]
}
