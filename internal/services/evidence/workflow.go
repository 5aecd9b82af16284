// Package evidence 是取证采集状态机与证据库管理。
//
// 状态：Idle → Collecting → Finalizing → Idle。同一时刻最多一个采集会话；
// 采集期累加器只属于会话协程，封存时整体移交，不被其它状态读取。
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
	"fraud-sentinel/internal/platform/id"
	"fraud-sentinel/internal/platform/logging"
	"fraud-sentinel/internal/platform/metrics"
	"fraud-sentinel/internal/platform/pubsub"
)

const (
	DefaultWindow          = 30 * time.Second
	DefaultTick            = 5 * time.Second
	DefaultMessageLimit    = 100
	DefaultMessageLookback = 10 * time.Minute

	emitTimeout = 2 * time.Second
)

type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateFinalizing State = "finalizing"
)

type Config struct {
	// Window 是单次采集的固定时长，到时自动封存。
	Window time.Duration
	// Tick 是截图/拉取消息的间隔。
	Tick         time.Duration
	MessageLimit int
	// MessageLookback 让触发告警之前的消息也进入证据包。
	MessageLookback time.Duration
	// ShotDir 存放截图，文件名 <session>_shot_NNN.png。
	ShotDir string
	// RecordDir 存放录屏，文件名 <session>_record.mp4；为空时与 ShotDir 相同。
	RecordDir string
}

// Deps 是采集流程的协作方；Capturer / Recorder / Messages / Environment / Encryptor / Sink 可为空。
type Deps struct {
	Capturer    ScreenCapturer
	Recorder    ScreenRecorder
	Messages    MessageSource
	Environment EnvironmentProvider
	Hasher      ContentHasher
	Encryptor   PackageEncryptor
	Sink        PackageSink
	Progress    *pubsub.Topic[model.CollectionProgress]
	Logger      *slog.Logger
	Now         func() time.Time
}

// Status 是采集状态快照（只含计数，不暴露累加器）。
type Status struct {
	State       State     `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	Screenshots int       `json:"screenshot_count"`
	Messages    int       `json:"message_count"`

	LastPackageID string `json:"last_package_id,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// Workflow 是取证采集状态机。
type Workflow struct {
	cfg  Config
	deps Deps

	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	sessionID string
	startedAt time.Time
	stop      chan struct{}
	stopped   bool
	done      chan struct{}
	shots     int
	msgs      int
	lastPkg   string
	lastErr   string
	wg        sync.WaitGroup
}

func NewWorkflow(cfg Config, deps Deps) *Workflow {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = DefaultMessageLimit
	}
	if cfg.MessageLookback < 0 {
		cfg.MessageLookback = 0
	}
	if cfg.RecordDir == "" {
		cfg.RecordDir = cfg.ShotDir
	}
	if deps.Hasher == nil {
		deps.Hasher = CanonicalHasher{}
	}
	w := &Workflow{
		cfg:    cfg,
		deps:   deps,
		logger: logging.OrDefault(deps.Logger),
		now:    deps.Now,
		state:  StateIdle,
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		State:         w.state,
		SessionID:     w.sessionID,
		StartedAt:     w.startedAt,
		Screenshots:   w.shots,
		Messages:      w.msgs,
		LastPackageID: w.lastPkg,
		LastError:     w.lastErr,
	}
}

// Start 进入 Collecting；已有会话（采集或封存中）时为 no-op，返回 false。
// ctx 取消会以 cancelled 结束会话且不落任何证据包。
func (w *Workflow) Start(ctx context.Context, trigger model.RiskVerdict) bool {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return false
	}
	sessionID := id.New("col")
	stop := make(chan struct{})
	done := make(chan struct{})
	w.state = StateCollecting
	w.sessionID = sessionID
	w.startedAt = w.now()
	w.stop = stop
	w.stopped = false
	w.done = done
	w.shots, w.msgs = 0, 0
	w.wg.Add(1)
	w.mu.Unlock()

	metrics.ActiveCollection.Set(1)
	go w.run(logging.WithSessionID(ctx, sessionID), sessionID, trigger, stop, done)
	return true
}

// Stop 请求提前封存当前会话；不等待封存完成。
func (w *Workflow) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateCollecting && !w.stopped {
		close(w.stop)
		w.stopped = true
	}
}

// Done 返回当前会话的结束信号；空闲时返回已关闭的 channel。
func (w *Workflow) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateIdle || w.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return w.done
}

// Wait 阻塞直到所有会话协程退出。
func (w *Workflow) Wait() {
	w.wg.Wait()
}

// accumulator 只被会话协程持有。
type accumulator struct {
	attempts int
	shots    []string
	messages []model.ChatMessage
	seen     map[string]struct{}
	record   *string
}

func newAccumulator() *accumulator {
	return &accumulator{
		shots:    []string{},
		messages: []model.ChatMessage{},
		seen:     make(map[string]struct{}),
	}
}

// addMessage 按 ID 去重；上游没有 ID 时按内容指纹去重。
func (a *accumulator) addMessage(m model.ChatMessage) bool {
	key := "id:" + m.ID
	if m.ID == "" {
		key = "h:" + hash.Text(m.Sender, m.Content, m.PlatformID, m.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	if _, ok := a.seen[key]; ok {
		return false
	}
	a.seen[key] = struct{}{}
	a.messages = append(a.messages, m)
	return true
}

func (w *Workflow) run(ctx context.Context, sessionID string, trigger model.RiskVerdict, stop <-chan struct{}, done chan struct{}) {
	defer w.wg.Done()
	defer close(done)

	logger := w.logger.With("session_id", sessionID)
	start := w.now()
	logger.Info("evidence collection started", "trigger", trigger.Reason, "window", w.cfg.Window)
	w.emit(ctx, model.CollectionStarted{Session: sessionID, Trigger: trigger.Reason, At: start})

	acc := newAccumulator()
	rec := w.startRecording(ctx, sessionID)
	w.collect(ctx, sessionID, acc, start)

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()
	window := time.NewTimer(w.cfg.Window)
	defer window.Stop()

collecting:
	for {
		select {
		case <-ctx.Done():
			if rec != nil {
				_ = rec.end()
				_ = os.Remove(rec.dst)
			}
			w.finish(ctx, sessionID, nil, "", &model.FinalizationError{Stage: model.StageCancelled, Err: ctx.Err()})
			return
		case <-stop:
			logger.Info("evidence collection stop requested")
			break collecting
		case <-window.C:
			break collecting
		case <-ticker.C:
			w.collect(ctx, sessionID, acc, start)
		}
	}

	w.setState(StateFinalizing)
	if rec != nil {
		if err := rec.end(); err != nil {
			w.captureFailed(ctx, &model.CaptureError{Kind: model.CaptureRecording, Err: err})
		} else {
			path := rec.dst
			acc.record = &path
		}
	}
	pkg, ref, err := w.finalize(ctx, sessionID, trigger, acc, start)
	w.finish(ctx, sessionID, pkg, ref, err)
}

// recording 是会话期间在后台进行的一次录屏。
type recording struct {
	dst    string
	cancel context.CancelFunc
	result chan error
}

// startRecording 在会话开始时启动录屏，最长一个采集窗口。没有录屏协作方时返回 nil。
func (w *Workflow) startRecording(ctx context.Context, sessionID string) *recording {
	if w.deps.Recorder == nil {
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &recording{
		dst:    filepath.Join(w.cfg.RecordDir, sessionID+"_record.mp4"),
		cancel: cancel,
		result: make(chan error, 1),
	}
	go func() { r.result <- w.deps.Recorder.Record(rctx, r.dst, w.cfg.Window) }()
	return r
}

// end 请求结束录屏并等待文件落盘。
func (r *recording) end() error {
	r.cancel()
	return <-r.result
}

// collect 执行一轮截图 + 拉取消息。单次失败不终止会话。
func (w *Workflow) collect(ctx context.Context, sessionID string, acc *accumulator, start time.Time) {
	if w.deps.Capturer != nil {
		acc.attempts++
		dst := filepath.Join(w.cfg.ShotDir, fmt.Sprintf("%s_shot_%03d.png", sessionID, acc.attempts))
		if err := w.deps.Capturer.Capture(ctx, dst); err != nil {
			w.captureFailed(ctx, &model.CaptureError{Kind: model.CaptureScreenshot, Err: err})
		} else {
			acc.shots = append(acc.shots, dst)
		}
	}

	if w.deps.Messages != nil {
		since := start.Add(-w.cfg.MessageLookback)
		msgs, err := w.deps.Messages.Messages(ctx, since, w.cfg.MessageLimit)
		if err != nil {
			w.captureFailed(ctx, &model.CaptureError{Kind: model.CaptureMessages, Err: err})
		} else {
			for _, m := range msgs {
				acc.addMessage(m)
			}
		}
	}

	w.mu.Lock()
	w.shots, w.msgs = len(acc.shots), len(acc.messages)
	w.mu.Unlock()

	w.emit(ctx, model.CollectionTick{
		Session:         sessionID,
		Elapsed:         w.now().Sub(start),
		ScreenshotCount: len(acc.shots),
		MessageCount:    len(acc.messages),
	})
}

func (w *Workflow) captureFailed(ctx context.Context, err *model.CaptureError) {
	if ctx.Err() != nil {
		return
	}
	metrics.CaptureFailuresTotal.WithLabelValues(string(err.Kind)).Inc()
	w.logger.Warn("capture skipped", "session_id", logging.SessionID(ctx), "kind", err.Kind, "error", err.Err)
}

// finalize 组装并封存证据包：环境快照 → 组包 → 计算 hash → 序列化 → 加密 → 持久化。
// 任一阶段失败都返回 *model.FinalizationError，且不会留下已持久化的证据。
func (w *Workflow) finalize(ctx context.Context, sessionID string, trigger model.RiskVerdict, acc *accumulator, start time.Time) (*model.EvidencePackage, string, error) {
	env := model.UnknownEnvironment()
	if w.deps.Environment != nil {
		snap, err := w.deps.Environment.Snapshot(ctx)
		if err != nil {
			w.logger.Warn("environment snapshot unavailable, using fallback", "session_id", sessionID, "error", err)
		} else {
			env = snap
		}
	}

	pkg := model.EvidencePackage{
		ID:               id.New("evp"),
		Title:            "风险证据 " + start.Format("2006-01-02 15:04:05"),
		Description:      describe(trigger, len(acc.shots), len(acc.messages)),
		ScreenshotPaths:  acc.shots,
		ScreenRecordPath: acc.record,
		ChatMessages:     acc.messages,
		Environment:      env,
		Timestamp:        w.now().UTC(),
	}

	sum, err := w.deps.Hasher.Hash(pkg)
	if err != nil {
		return nil, "", &model.FinalizationError{Stage: model.StageHash, Err: err}
	}
	if sum == "" {
		return nil, "", &model.FinalizationError{Stage: model.StageHash, Err: errors.New("empty content hash")}
	}
	pkg.ContentHash = sum

	serialized, err := json.Marshal(pkg)
	if err != nil {
		return nil, "", &model.FinalizationError{Stage: model.StageSerialize, Err: err}
	}

	blob := serialized
	encrypted := false
	if w.deps.Encryptor != nil {
		blob, err = w.deps.Encryptor.Encrypt(serialized)
		if err != nil {
			return nil, "", &model.FinalizationError{Stage: model.StageEncrypt, Err: err}
		}
		encrypted = true
	}

	if err := ctx.Err(); err != nil {
		return nil, "", &model.FinalizationError{Stage: model.StageCancelled, Err: err}
	}

	ref := ""
	if w.deps.Sink != nil {
		ref, err = w.deps.Sink.Persist(ctx, SealedPackage{
			SessionID:     sessionID,
			Package:       pkg,
			Serialized:    serialized,
			ContentHash:   sum,
			EncryptedBlob: blob,
			Encrypted:     encrypted,
			Trigger:       trigger,
		})
		if err != nil {
			return nil, "", &model.FinalizationError{Stage: model.StagePersist, Err: err}
		}
	}
	return &pkg, ref, nil
}

func describe(trigger model.RiskVerdict, shots, msgs int) string {
	reason := trigger.Reason
	if reason == "" {
		reason = "手动采集"
	}
	return fmt.Sprintf("%s：%s（截图 %d 张，消息 %d 条）", trigger.Severity.DisplayName(), reason, shots, msgs)
}

// finish 结束会话：先回到 Idle，再发出 Completed / Failed。
func (w *Workflow) finish(ctx context.Context, sessionID string, pkg *model.EvidencePackage, ref string, err error) {
	w.mu.Lock()
	w.state = StateIdle
	w.stop = nil
	if err != nil {
		w.lastErr = err.Error()
	} else {
		w.lastErr = ""
		w.lastPkg = pkg.ID
	}
	w.mu.Unlock()
	metrics.ActiveCollection.Set(0)

	if err != nil {
		stage := model.StagePersist
		var fe *model.FinalizationError
		if errors.As(err, &fe) {
			stage = fe.Stage
		}
		metrics.CollectionSessionsTotal.WithLabelValues("failed").Inc()
		w.logger.Error("evidence collection failed", "session_id", sessionID, "stage", stage, "error", err)
		w.emit(ctx, model.CollectionFailed{Session: sessionID, Stage: stage, Message: err.Error()})
		return
	}

	metrics.CollectionSessionsTotal.WithLabelValues("completed").Inc()
	w.logger.Info("evidence collection completed",
		"session_id", sessionID,
		"package_id", pkg.ID,
		"content_hash", pkg.ContentHash,
		"screenshots", len(pkg.ScreenshotPaths),
		"messages", len(pkg.ChatMessages),
		"file", ref,
	)
	w.emit(ctx, model.CollectionCompleted{Session: sessionID, Package: *pkg, FileRef: ref})
}

func (w *Workflow) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// emit 发布进度事件。会话被取消后仍需送达 Failed，因此脱离 ctx 的取消信号并单独限时。
func (w *Workflow) emit(ctx context.Context, p model.CollectionProgress) {
	if w.deps.Progress == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := w.deps.Progress.Publish(pctx, p); err != nil {
		w.logger.Debug("drop collection progress", "kind", p.ProgressKind(), "error", err)
	}
}
