package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"fraud-sentinel/internal/app"
	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/logging"
	"fraud-sentinel/internal/platform/pubsub"
	"fraud-sentinel/internal/services/monitor"
)

// signalLine 是 monitor 子命令的一行 JSONL 输入：
//
//	{"stream":"text","text":"..."}
//	{"stream":"chat","message":{...ChatMessage}}
//	{"stream":"behavior","event":{...BehaviorEvent}}
type signalLine struct {
	Stream  monitor.Stream       `json:"stream"`
	Text    string               `json:"text,omitempty"`
	Message *model.ChatMessage   `json:"message,omitempty"`
	Event   *model.BehaviorEvent `json:"event,omitempty"`
}

// runMonitor 从 stdin 逐行读取信号，走完整的监控链路（告警 → 取证 → 入库 → 审计）。
// 输入读完后默认等待进行中的采集会话按窗口结束；--wait=false 时立即封存。
func runMonitor(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	cf := bindConfigFlags(fs)
	wait := fs.Bool("wait", true, "wait for the running collection window after input ends")
	window := fs.Duration("window", 0, "override collection window, e.g. 10s")
	passphrase := fs.String("passphrase", "", "evidence encryption passphrase (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if *window > 0 {
		cfg.CollectionWindow = *window
		if cfg.CollectionTick > cfg.CollectionWindow {
			cfg.CollectionTick = cfg.CollectionWindow
		}
	}
	if *passphrase != "" {
		cfg.EncryptionPassphrase = *passphrase
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Build(sigCtx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer rt.Close()

	detach := rt.Alerts.Attach(app.AlertFunc(func(_ context.Context, a monitor.Alert) {
		fmt.Printf("ALERT level=%s id=%s stream=%s severity=%s reason=%s\n", a.Level, a.ID, a.Stream, a.Verdict.Severity, a.Verdict.Reason)
	}))
	defer detach()

	progress := rt.Progress.Subscribe()
	stopPrinter := make(chan struct{})
	var printerWG sync.WaitGroup
	printerWG.Add(1)
	go func() {
		defer printerWG.Done()
		printProgress(progress, stopPrinter)
	}()

	rt.Monitor.Start(sigCtx)
	runCtx := logging.WithSessionID(sigCtx, rt.Monitor.Status().SessionID)

	total, invalid := 0, 0
	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		total++
		stream, v, err := evaluateLine(runCtx, rt, line)
		if err != nil {
			invalid++
			fmt.Fprintf(os.Stderr, "warning: line %d skipped: %v\n", total, err)
			continue
		}
		fmt.Printf("verdict line=%d stream=%s severity=%s confidence=%.2f reason=%s\n", total, stream, v.Severity, v.Confidence, v.Reason)
		rt.Monitor.Dispatch(runCtx, stream, v)
		if sigCtx.Err() != nil {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	if *wait {
		select {
		case <-rt.Workflow.Done():
		case <-sigCtx.Done():
		}
	}
	rt.Monitor.Stop()
	rt.Workflow.Wait()

	close(stopPrinter)
	printerWG.Wait()
	progress.Cancel()

	fmt.Printf("monitor finished lines=%d invalid=%d active_alerts=%d\n", total, invalid, len(rt.Monitor.ActiveAlerts()))
	return nil
}

// evaluateLine 解析并评估一行输入；非法输入返回错误，由调用方跳过。
func evaluateLine(ctx context.Context, rt *app.Runtime, line string) (monitor.Stream, model.RiskVerdict, error) {
	var in signalLine
	if err := json.Unmarshal([]byte(line), &in); err != nil {
		return "", model.RiskVerdict{}, fmt.Errorf("invalid json: %w", err)
	}
	switch in.Stream {
	case monitor.StreamText:
		if strings.TrimSpace(in.Text) == "" {
			return "", model.RiskVerdict{}, &model.InvalidInputError{Field: "text", Reason: "is required"}
		}
		return in.Stream, rt.Engine.AnalyzeText(ctx, in.Text), nil
	case monitor.StreamChat:
		if in.Message == nil {
			return "", model.RiskVerdict{}, &model.InvalidInputError{Field: "message", Reason: "is required"}
		}
		if err := in.Message.Validate(); err != nil {
			return "", model.RiskVerdict{}, err
		}
		return in.Stream, rt.Engine.AnalyzeChatMessage(ctx, *in.Message), nil
	case monitor.StreamBehavior:
		if in.Event == nil {
			return "", model.RiskVerdict{}, &model.InvalidInputError{Field: "event", Reason: "is required"}
		}
		ev := *in.Event
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		if err := ev.Validate(); err != nil {
			return "", model.RiskVerdict{}, err
		}
		return in.Stream, rt.Engine.AnalyzeBehavior(ev), nil
	default:
		return "", model.RiskVerdict{}, &model.InvalidInputError{Field: "stream", Reason: "unknown stream " + string(in.Stream)}
	}
}

// printProgress 输出取证进度，stop 关闭后把缓冲中剩余的事件读完再返回。
func printProgress(sub *pubsub.Subscription[model.CollectionProgress], stop <-chan struct{}) {
	for {
		select {
		case p := <-sub.C:
			printProgressEvent(p)
		case <-sub.Done():
			return
		case <-stop:
			for {
				select {
				case p := <-sub.C:
					printProgressEvent(p)
				default:
					return
				}
			}
		}
	}
}

func printProgressEvent(p model.CollectionProgress) {
	switch e := p.(type) {
	case model.CollectionStarted:
		fmt.Printf("collection started session=%s trigger=%s\n", e.Session, e.Trigger)
	case model.CollectionTick:
		fmt.Printf("collection progress session=%s elapsed=%s screenshots=%d messages=%d\n", e.Session, e.Elapsed, e.ScreenshotCount, e.MessageCount)
	case model.CollectionCompleted:
		fmt.Printf("collection completed session=%s evidence_id=%s content_hash=%s file=%s\n", e.Session, e.Package.ID, e.Package.ContentHash, e.FileRef)
	case model.CollectionFailed:
		fmt.Printf("collection failed session=%s stage=%s message=%s\n", e.Session, e.Stage, e.Message)
	}
}
