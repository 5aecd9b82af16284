package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"fraud-sentinel/internal/adapters/corpus"
	"fraud-sentinel/internal/adapters/device"
	"fraud-sentinel/internal/adapters/store/sqlite"
	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/logging"
	"fraud-sentinel/internal/platform/pubsub"
	"fraud-sentinel/internal/platform/seal"
	"fraud-sentinel/internal/services/behavior"
	"fraud-sentinel/internal/services/envinfo"
	"fraud-sentinel/internal/services/evidence"
	"fraud-sentinel/internal/services/matcher"
	"fraud-sentinel/internal/services/monitor"
	"fraud-sentinel/internal/services/risk"
)

// Runtime 是装配完成的监控 + 取证流水线。
type Runtime struct {
	Config Config
	Logger *slog.Logger

	DB    *sql.DB
	Store *sqlite.Store

	Matcher *matcher.Matcher
	Rules   *behavior.Engine
	Engine  *risk.Engine

	Signals *monitor.Signals
	Monitor *monitor.Monitor
	Alerts  *AlertBus

	Progress *pubsub.Topic[model.CollectionProgress]
	Workflow *evidence.Workflow
	Evidence *evidence.Manager

	// Sealer 在未配置口令时为 nil。
	Sealer *seal.Sealer
	// Device 在 device=off 或 PATH 中没有 adb 时为 nil。
	Device      *device.ADB
	Environment envinfo.Provider
}

// BuildEngine 只装配分析链路（词库 → 匹配器 → 规则 → 融合），不打开证据库。
func BuildEngine(cfg Config, logger *slog.Logger) (*risk.Engine, *matcher.Matcher, *behavior.Engine) {
	logger = logging.OrDefault(logger)
	m := matcher.New(corpus.NewLoader(cfg.CorpusPath), logger.With("component", "matcher"))
	rules := behavior.NewEngine()
	engine := risk.NewEngine(m, rules, risk.Options{SenderPhrases: cfg.SenderPhrases})
	return engine, m, rules
}

// Build 打开证据库并装配全部组件。监控器处于 Idle，由调用方决定何时 Start。
func Build(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger = logging.OrDefault(logger)

	if err := os.MkdirAll(cfg.EvidenceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence directory: %w", err)
	}
	db, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	store := sqlite.NewStore(db)

	rt := &Runtime{
		Config: cfg,
		Logger: logger,
		DB:     db,
		Store:  store,
		Alerts: &AlertBus{},
	}
	rt.Engine, rt.Matcher, rt.Rules = BuildEngine(cfg, logger)

	if cfg.EncryptionPassphrase != "" {
		s, err := seal.New(cfg.EncryptionPassphrase)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		rt.Sealer = s
	}

	rt.Device = selectDevice(cfg, logger)
	rt.Environment = environmentChain(cfg, rt.Device)

	deps := evidence.Deps{
		Environment: rt.Environment,
		Sink:        evidence.NewStoreSink(cfg.EvidenceRoot, store, logger.With("component", "evidence_sink")),
		Logger:      logger.With("component", "collector"),
	}
	if rt.Device != nil {
		deps.Capturer = rt.Device
		deps.Messages = rt.Device
		if cfg.ScreenRecord {
			deps.Recorder = rt.Device
		}
	}
	if rt.Sealer != nil {
		deps.Encryptor = rt.Sealer
	}
	rt.Progress = pubsub.NewTopic[model.CollectionProgress](64)
	deps.Progress = rt.Progress

	shotDir := filepath.Join(cfg.EvidenceRoot, "screenshots")
	recordDir := filepath.Join(cfg.EvidenceRoot, "records")
	rt.Workflow = evidence.NewWorkflow(evidence.Config{
		Window:          cfg.CollectionWindow,
		Tick:            cfg.CollectionTick,
		MessageLimit:    cfg.MessagePullLimit,
		MessageLookback: evidence.DefaultMessageLookback,
		ShotDir:         shotDir,
		RecordDir:       recordDir,
	}, deps)

	managerOpts := evidence.ManagerOptions{
		Retention:        cfg.Retention(),
		RetentionWarning: cfg.RetentionWarning(),
		MediaDirs:        []string{shotDir, recordDir},
		Logger:           logger.With("component", "evidence_manager"),
	}
	if rt.Sealer != nil {
		managerOpts.Decryptor = rt.Sealer
	}
	rt.Evidence = evidence.NewManager(store, managerOpts)

	rt.Signals = monitor.NewSignals(256)
	rt.Monitor = monitor.New(rt.Engine, rt.Signals, monitor.Options{
		Sink:         rt.Alerts,
		Collector:    rt.Workflow,
		Journal:      AuditJournal{Store: store},
		Logger:       logger.With("component", "monitor"),
		DedupeWindow: cfg.DedupeWindow,
	})
	return rt, nil
}

func selectDevice(cfg Config, logger *slog.Logger) *device.ADB {
	mode := strings.ToLower(strings.TrimSpace(cfg.Device))
	if mode == DeviceOff {
		return nil
	}
	adb := device.NewADB(cfg.ADBSerial)
	if !adb.Available() {
		if mode == DeviceADB {
			logger.Warn("adb not found in PATH; screenshots and messages are disabled")
		}
		return nil
	}
	return adb
}

func environmentChain(cfg Config, adb *device.ADB) envinfo.Provider {
	chain := envinfo.Chain{AppVersion: cfg.AppVersion}
	if cfg.DeviceProfilePath != "" {
		chain.Providers = append(chain.Providers, envinfo.Profile{Path: cfg.DeviceProfilePath})
	}
	if adb != nil {
		chain.Providers = append(chain.Providers, envinfo.Props{Reader: adb})
	}
	return chain
}

// Close 停止监控与采集（进行中的会话会先封存），然后关闭证据库。
func (r *Runtime) Close() error {
	r.Monitor.Stop()
	r.Monitor.Wait()
	r.Workflow.Stop()
	r.Workflow.Wait()
	r.Signals.Close()
	r.Progress.Close()
	return r.DB.Close()
}
