package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"fraud-sentinel/internal/app"
	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/services/monitor"
)

// runAnalyze 是 analyze 子命令路由。只做风险评估，不告警、不取证、不落库。
func runAnalyze(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printAnalyzeUsage()
		return nil
	}
	switch args[0] {
	case "text":
		return runAnalyzeText(ctx, args[1:])
	case "chat":
		return runAnalyzeChat(ctx, args[1:])
	case "behavior":
		return runAnalyzeBehavior(ctx, args[1:])
	case "batch":
		return runAnalyzeBatch(ctx, args[1:])
	default:
		printAnalyzeUsage()
		return fmt.Errorf("unknown analyze command: %s", args[0])
	}
}

func printAnalyzeUsage() {
	fmt.Println("Usage:")
	fmt.Println("  sentinel-cli analyze text [--text TEXT | TEXT...] [--json]")
	fmt.Println("  sentinel-cli analyze chat --content TEXT [--sender NAME] [--platform ID] [--time RFC3339] [--json]")
	fmt.Println("  sentinel-cli analyze behavior --kind click|input|scroll|navigation [--app ID] [--view CLASS] [--click-frequency N] [--input-speed N] [--json]")
	fmt.Println("  sentinel-cli analyze batch --file batch.json [--json]")
}

func runAnalyzeText(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("analyze text", flag.ContinueOnError)
	cf := bindConfigFlags(fs)
	text := fs.String("text", "", "text to analyze (positional args are joined when omitted)")
	asJSON := fs.Bool("json", false, "print verdict as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	input := *text
	if strings.TrimSpace(input) == "" {
		input = strings.Join(fs.Args(), " ")
	}
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("--text is required")
	}

	engine, m, _ := app.BuildEngine(cfg, newLogger(cfg))
	v := engine.AnalyzeText(ctx, input)
	if m.Degraded() {
		fmt.Fprintln(os.Stderr, "warning: keyword corpus unavailable, text scanning degraded")
	}
	return printVerdict(v, *asJSON)
}

func runAnalyzeChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("analyze chat", flag.ContinueOnError)
	cf := bindConfigFlags(fs)
	content := fs.String("content", "", "message content (required)")
	sender := fs.String("sender", "", "sender display name or number")
	platform := fs.String("platform", "", "platform id, e.g. sms / wechat / qq")
	at := fs.String("time", "", "message time in RFC3339 (default now)")
	asJSON := fs.Bool("json", false, "print verdict as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*content) == "" {
		return fmt.Errorf("--content is required")
	}

	ts := time.Now()
	if strings.TrimSpace(*at) != "" {
		ts, err = time.Parse(time.RFC3339, strings.TrimSpace(*at))
		if err != nil {
			return fmt.Errorf("invalid --time: %w", err)
		}
	}
	msg := model.ChatMessage{
		ID:         "cli_" + ts.Format("20060102150405"),
		Sender:     *sender,
		Content:    *content,
		Timestamp:  ts,
		PlatformID: *platform,
	}

	engine, _, _ := app.BuildEngine(cfg, newLogger(cfg))
	return printVerdict(engine.AnalyzeChatMessage(ctx, msg), *asJSON)
}

func runAnalyzeBehavior(ctx context.Context, args []string) error {
	_ = ctx

	fs := flag.NewFlagSet("analyze behavior", flag.ContinueOnError)
	cf := bindConfigFlags(fs)
	kind := fs.String("kind", "", "click|input|scroll|navigation (required)")
	appID := fs.String("app", "", "source app id / package name")
	view := fs.String("view", "", "source view class")
	clicks := fs.Int("click-frequency", 0, "clicks in the sampling window")
	speed := fs.Int("input-speed", 0, "input speed (chars/sec)")
	asJSON := fs.Bool("json", false, "print verdict as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}

	k, ok := model.ParseBehaviorKind(*kind)
	if !ok {
		return fmt.Errorf("invalid --kind: %q", *kind)
	}
	ev := model.BehaviorEvent{
		Kind:            k,
		SourceAppID:     *appID,
		SourceViewClass: *view,
		Timestamp:       time.Now(),
		ClickFrequency:  *clicks,
		InputSpeed:      *speed,
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	engine, _, _ := app.BuildEngine(cfg, newLogger(cfg))
	return printVerdict(engine.AnalyzeBehavior(ev), *asJSON)
}

// batchInput 是 analyze batch 的输入文件结构，与 /api/analyze 请求体一致。
type batchInput struct {
	Text     string                `json:"text"`
	Messages []model.ChatMessage   `json:"messages"`
	Events   []model.BehaviorEvent `json:"events"`
}

func runAnalyzeBatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("analyze batch", flag.ContinueOnError)
	cf := bindConfigFlags(fs)
	file := fs.String("file", "", "batch json file: {text, messages, events} (required)")
	asJSON := fs.Bool("json", false, "print verdict as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*file) == "" {
		return fmt.Errorf("--file is required")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read batch file: %w", err)
	}
	var in batchInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("decode batch file: %w", err)
	}
	for i, m := range in.Messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	for i, ev := range in.Events {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
	}

	engine, _, _ := app.BuildEngine(cfg, newLogger(cfg))
	return printVerdict(engine.AnalyzeComprehensive(ctx, in.Text, in.Messages, in.Events), *asJSON)
}

func printVerdict(v model.RiskVerdict, asJSON bool) error {
	if asJSON {
		return printJSON(map[string]any{
			"verdict": v,
			"key":     monitor.VerdictKey(v),
		})
	}
	fmt.Printf("severity=%s (%s) confidence=%.2f\n", v.Severity, v.Severity.DisplayName(), v.Confidence)
	if v.Reason != "" {
		fmt.Printf("reason=%s\n", v.Reason)
	}
	if len(v.MatchedKeywords) > 0 {
		fmt.Printf("keywords=%s\n", strings.Join(v.MatchedKeywords, ","))
	}
	if len(v.MatchedBehaviors) > 0 {
		fmt.Printf("behaviors=%s\n", strings.Join(v.MatchedBehaviors, ","))
	}
	return nil
}
