package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fraud-sentinel/internal/adapters/corpus"
	sqliteadapter "fraud-sentinel/internal/adapters/store/sqlite"
	"fraud-sentinel/internal/app"
	"fraud-sentinel/internal/platform/logging"
	"fraud-sentinel/internal/services/privacy"
	"fraud-sentinel/internal/services/webapp"
)

// stdin 供 monitor 子命令读取 JSONL 输入，测试中可替换。
var stdin io.Reader = os.Stdin

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run 是一级命令路由。
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "corpus":
		return runCorpus(ctx, args[1:])
	case "analyze":
		return runAnalyze(ctx, args[1:])
	case "monitor":
		return runMonitor(ctx, args[1:])
	case "evidence":
		return runEvidence(ctx, args[1:])
	case "audit":
		return runAudit(ctx, args[1:])
	case "verify":
		return runVerify(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	case "version":
		fmt.Printf("sentinel-cli %s commit=%s build_time=%s\n", app.Version, app.Commit, app.BuildTime)
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// configFlags 是各子命令共用的配置参数。
// 命令行参数只在显式给出时覆盖配置文件与环境变量。
type configFlags struct {
	configPath   *string
	envFile      *string
	dbPath       *string
	evidenceRoot *string
	corpusPath   *string
	logLevel     *string
	logFormat    *string
}

func bindConfigFlags(fs *flag.FlagSet) *configFlags {
	return &configFlags{
		configPath:   fs.String("config", "sentinel.yaml", "yaml config file (skipped when missing)"),
		envFile:      fs.String("env-file", ".env", "dotenv file (skipped when missing)"),
		dbPath:       fs.String("db", "", "sqlite database path"),
		evidenceRoot: fs.String("evidence-dir", "", "evidence output directory"),
		corpusPath:   fs.String("corpus", "", "keyword corpus file (empty: embedded corpus)"),
		logLevel:     fs.String("log-level", "", "debug|info|warn|error"),
		logFormat:    fs.String("log-format", "", "text|json"),
	}
}

func (f *configFlags) load() (app.Config, error) {
	cfg, err := app.LoadConfig(*f.configPath, *f.envFile)
	if err != nil {
		return cfg, err
	}
	overrides := []struct {
		val string
		dst *string
	}{
		{*f.dbPath, &cfg.DBPath},
		{*f.evidenceRoot, &cfg.EvidenceRoot},
		{*f.corpusPath, &cfg.CorpusPath},
		{*f.logLevel, &cfg.LogLevel},
		{*f.logFormat, &cfg.LogFormat},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(o.val); v != "" {
			*o.dst = v
		}
	}
	return cfg, cfg.Validate()
}

// logger 输出到 stderr，避免与命令结果混在一起。
func newLogger(cfg app.Config) *slog.Logger {
	return logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}

// runMigrate 执行 SQLite 迁移，确保数据库结构完整。
func runMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cf := bindConfigFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}

	db, err := sqliteadapter.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	version, _ := sqliteadapter.NewStore(db).GetSchemaMetaValue(ctx, "schema_version")
	fmt.Printf("migrations applied successfully: db=%s schema_version=%s\n", cfg.DBPath, version)
	return nil
}

// runCorpus 是二级命令路由，目前支持 corpus validate。
func runCorpus(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printCorpusUsage()
		return nil
	}
	switch args[0] {
	case "validate":
		return runCorpusValidate(ctx, args[1:])
	default:
		printCorpusUsage()
		return fmt.Errorf("unknown corpus command: %s", args[0])
	}
}

// runCorpusValidate 检查词库文件合法性，输出版本、分类与关键词数量。
func runCorpusValidate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("corpus validate", flag.ContinueOnError)
	cf := bindConfigFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}

	c, err := corpus.NewLoader(cfg.CorpusPath).Load(ctx)
	if err != nil {
		return err
	}

	fmt.Println("corpus validation passed")
	fmt.Printf("source=%s version=%s last_updated=%s sha256=%s\n", c.SourcePath, c.Version, c.LastUpdated, c.SourceSHA256)
	fmt.Printf("categories=%d keywords=%d\n", len(c.Categories), c.KeywordCount())
	for _, cat := range c.Categories {
		fmt.Printf("category id=%s name=%s risk_level=%s keywords=%d\n", cat.ID, cat.DisplayName, cat.Severity, len(cat.Keywords))
	}
	return nil
}

// runServe 启动内置 Web UI + API。
func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cf := bindConfigFlags(fs)
	listen := fs.String("listen", "", "listen address (default from config)")
	exportDir := fs.String("export-dir", "", "proof zip / pdf output directory")
	privacyMode := fs.String("privacy-mode", "", "off|masked")
	operator := fs.String("operator", "webapp", "operator written to audit logs")
	autoStart := fs.Bool("monitor", false, "start monitoring right after the server is up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(*exportDir); v != "" {
		cfg.ExportDir = v
	}
	if v := strings.TrimSpace(*privacyMode); v != "" {
		cfg.PrivacyMode = v
	}

	// 支持 Ctrl+C 优雅退出。
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Build(sigCtx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer rt.Close()

	return webapp.Run(sigCtx, rt, webapp.Options{
		ListenAddr: cfg.ListenAddr,
		ExportDir:  cfg.ExportDir,
		Privacy:    privacy.ParseMode(cfg.PrivacyMode),
		Operator:   *operator,
		AutoStart:  *autoStart,
	})
}

// printUsage 输出一级命令帮助。
func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  sentinel-cli migrate [--db data/sentinel.db]")
	fmt.Println("  sentinel-cli corpus validate [--corpus path]")
	fmt.Println("  sentinel-cli analyze text|chat|behavior|batch [flags]")
	fmt.Println("  sentinel-cli monitor [--wait=true] < signals.jsonl")
	fmt.Println("  sentinel-cli evidence list|show|cleanup|export|backup|zip|pdf|verify [flags]")
	fmt.Println("  sentinel-cli audit verify [--evidence-id ID]")
	fmt.Println("  sentinel-cli verify proof-zip --zip PATH_TO_ZIP")
	fmt.Println("  sentinel-cli serve [--listen 127.0.0.1:8788] [--monitor] [--privacy-mode off|masked]")
	fmt.Println("  sentinel-cli version")
	fmt.Println()
	fmt.Println("Common flags: --config sentinel.yaml --env-file .env --db path --evidence-dir path --corpus path --log-level info --log-format text")
}

func printCorpusUsage() {
	fmt.Println("Usage:")
	fmt.Println("  sentinel-cli corpus validate [--corpus path]")
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
