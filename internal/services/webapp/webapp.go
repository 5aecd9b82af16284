package webapp

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"fraud-sentinel/internal/app"
	"fraud-sentinel/internal/services/privacy"
)

// 注意：
// - go:embed 的路径必须相对当前包目录，且不能包含 ".."
// - ui_dist/ 至少要有一个文件，否则 go:embed 会因“无匹配文件”而编译失败。
//
//go:embed ui_dist
var uiFS embed.FS

// Options 定义 Web UI + API 服务启动参数。
type Options struct {
	ListenAddr string
	// ExportDir 为空时证明包/PDF 写到证据文件旁的 exports/、reports/ 目录。
	ExportDir string
	Privacy   privacy.Mode
	// Operator 写入审计日志，请求体未指定时使用。
	Operator string
	// AutoStart 为 true 时服务启动即进入监控。
	AutoStart bool
}

// Run 启动内置 Web UI + API：
// - 监控启停、信号注入、告警处理
// - 证据列表、下载、复核、证明包与 PDF 导出
// - /api/ws 实时推送告警与取证进度，/metrics 暴露 Prometheus 指标
func Run(ctx context.Context, rt *app.Runtime, opts Options) error {
	if opts.ListenAddr == "" {
		opts.ListenAddr = rt.Config.ListenAddr
	}
	if opts.Privacy == "" {
		opts.Privacy = privacy.ParseMode(rt.Config.PrivacyMode)
	}

	s, err := NewServer(rt, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	s.Start(ctx)

	if opts.AutoStart {
		rt.Monitor.Start(ctx)
	}
	defer rt.Monitor.Stop()

	httpServer := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("webapp listening: http://%s\n", opts.ListenAddr)
	err = httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NewServer 创建服务并把 WebSocket hub 挂到监控告警上。
func NewServer(rt *app.Runtime, opts Options) (*Server, error) {
	sub, err := fs.Sub(uiFS, "ui_dist")
	if err != nil {
		return nil, fmt.Errorf("sub ui fs: %w", err)
	}
	if strings.TrimSpace(opts.Operator) == "" {
		opts.Operator = "webapp"
	}
	if opts.Privacy == "" {
		opts.Privacy = privacy.ModeOff
	}
	hub := NewHub(rt.Logger.With("component", "ws_hub"))
	s := &Server{
		opts:   opts,
		rt:     rt,
		hub:    hub,
		ui:     sub,
		logger: rt.Logger.With("component", "webapp"),
		base:   context.Background(),
	}
	s.detach = rt.Alerts.Attach(hub)
	return s, nil
}

// Start 启动 hub 主循环与进度转发，ctx 取消后退出。
func (s *Server) Start(ctx context.Context) {
	s.base = ctx
	progress := s.rt.Progress.Subscribe()
	go s.hub.Run(ctx)
	go func() {
		defer progress.Cancel()
		s.hub.ForwardProgress(ctx, progress)
	}()
}

// Close 取消告警挂载。
func (s *Server) Close() {
	if s.detach != nil {
		s.detach()
	}
}
