// Package device 通过 adb 实现取证采集的设备侧协作方：截图、短信拉取、系统属性。
//
// 只使用系统允许 shell 访问的接口，不做提权或绕过。
package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"fraud-sentinel/internal/domain/model"
)

const (
	DefaultTimeout = 15 * time.Second

	smsURI      = "content://sms"
	smsPlatform = "sms"
	// SelfSender 是本机发出短信的发送者显示名。
	SelfSender = "我"

	smsTypeSent = 2
)

// Runner 执行外部命令并返回标准输出。
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ADB 是单台 Android 设备的 adb 客户端。
type ADB struct {
	Bin     string
	Serial  string
	Timeout time.Duration
	Run     Runner
}

// NewADB 创建 adb 客户端；serial 为空时由 adb 选择唯一在线设备。
func NewADB(serial string) *ADB {
	return &ADB{Bin: "adb", Serial: strings.TrimSpace(serial), Timeout: DefaultTimeout, Run: runCmd}
}

// Available 检查 adb 可执行文件是否在 PATH 中。
func (a *ADB) Available() bool {
	_, err := exec.LookPath(a.bin())
	return err == nil
}

func (a *ADB) bin() string {
	if a.Bin == "" {
		return "adb"
	}
	return a.Bin
}

func (a *ADB) exec(ctx context.Context, args ...string) ([]byte, error) {
	return a.execFor(ctx, a.timeout(), args...)
}

// execFor 与 exec 相同，但使用调用方给定的超时（录屏、拉取大文件）。
func (a *ADB) execFor(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := make([]string, 0, len(args)+2)
	if a.Serial != "" {
		full = append(full, "-s", a.Serial)
	}
	full = append(full, args...)
	run := a.Run
	if run == nil {
		run = runCmd
	}
	return run(ctx, a.bin(), full...)
}

// Device 是 `adb devices` 中的一行。
type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
}

// Devices 列出已连接设备。
func (a *ADB) Devices(ctx context.Context) ([]Device, error) {
	raw, err := a.run(ctx, "devices")
	if err != nil {
		return nil, err
	}
	return parseDevices(string(raw)), nil
}

// run 不带 -s，用于 devices 这类全局命令。
func (a *ADB) run(ctx context.Context, args ...string) ([]byte, error) {
	global := *a
	global.Serial = ""
	return global.exec(ctx, args...)
}

func parseDevices(raw string) []Device {
	s := bufio.NewScanner(strings.NewReader(raw))
	out := []Device{}
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "List of devices attached") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		out = append(out, Device{Serial: parts[0], State: strings.ToLower(parts[1])})
	}
	return out
}

// Capture 截取当前屏幕 PNG 写到 dst，实现 evidence.ScreenCapturer。
func (a *ADB) Capture(ctx context.Context, dst string) error {
	raw, err := a.exec(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(raw, pngMagic) {
		return fmt.Errorf("screencap returned %d bytes without png header", len(raw))
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, raw, 0o600)
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// screenrecord 单次最长 180 秒。
const maxRecordLimit = 180 * time.Second

// Record 在设备上录屏最长 limit，结束后拉取到 dst，实现 evidence.ScreenRecorder。
// ctx 取消时向 screenrecord 发送 SIGINT 提前结束，已录内容仍会被拉取。
func (a *ADB) Record(ctx context.Context, dst string, limit time.Duration) error {
	if limit <= 0 || limit > maxRecordLimit {
		limit = maxRecordLimit
	}
	secs := int((limit + time.Second - 1) / time.Second)
	remote := "/sdcard/sentinel_" + filepath.Base(dst)
	bg := context.WithoutCancel(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := a.execFor(bg, limit+a.timeout(), "shell", "screenrecord", "--time-limit", strconv.Itoa(secs), remote)
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		// 中断后 screenrecord 会正常写完 mp4 尾部，adb shell 的退出码不可靠。
		_, _ = a.exec(bg, "shell", "pkill", "-INT", "screenrecord")
		<-done
	}
	if err != nil {
		return fmt.Errorf("screenrecord: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if _, err := a.execFor(bg, pullTimeout, "pull", remote, dst); err != nil {
		return fmt.Errorf("pull screen record: %w", err)
	}
	_, _ = a.exec(bg, "shell", "rm", "-f", remote)

	st, err := os.Stat(dst)
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		_ = os.Remove(dst)
		return errors.New("screen record is empty")
	}
	return nil
}

const pullTimeout = 2 * time.Minute

func (a *ADB) timeout() time.Duration {
	if a.Timeout <= 0 {
		return DefaultTimeout
	}
	return a.Timeout
}

// Messages 拉取 since 之后的短信（按时间升序，最多 limit 条），实现 evidence.MessageSource。
func (a *ADB) Messages(ctx context.Context, since time.Time, limit int) ([]model.ChatMessage, error) {
	args := []string{
		"shell", "content", "query",
		"--uri", smsURI,
		// body 放最后，正文里的逗号不会影响前面字段的切分。
		"--projection", "_id:address:date:type:body",
	}
	if !since.IsZero() {
		args = append(args, "--where", fmt.Sprintf("'date>=%d'", since.UnixMilli()))
	}
	raw, err := a.exec(ctx, args...)
	if err != nil {
		return nil, err
	}
	msgs := ParseSMSRows(string(raw))
	if !since.IsZero() {
		kept := msgs[:0]
		for _, m := range msgs {
			if !m.Timestamp.Before(since) {
				kept = append(kept, m)
			}
		}
		msgs = kept
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

var rowPrefix = regexp.MustCompile(`^Row:\s*\d+\s+`)

// ParseSMSRows 解析 `content query --uri content://sms` 的输出。
// 行格式：Row: 0 _id=12, address=10086, date=1700000000000, type=1, body=...
// 正文跨行时续接到上一条。
func ParseSMSRows(raw string) []model.ChatMessage {
	out := []model.ChatMessage{}
	s := bufio.NewScanner(strings.NewReader(raw))
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		line := strings.TrimRight(s.Text(), "\r")
		if !rowPrefix.MatchString(line) {
			if n := len(out); n > 0 && line != "" {
				out[n-1].Content += "\n" + line
			}
			continue
		}
		msg, ok := parseSMSRow(rowPrefix.ReplaceAllString(line, ""))
		if ok {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func parseSMSRow(row string) (model.ChatMessage, bool) {
	body := ""
	if idx := strings.Index(row, "body="); idx >= 0 {
		body = row[idx+len("body="):]
		row = strings.TrimSuffix(strings.TrimSpace(row[:idx]), ",")
	}
	fields := map[string]string{}
	for _, part := range strings.Split(row, ", ") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		fields[k] = v
	}
	id := fields["_id"]
	if id == "" || id == "NULL" {
		return model.ChatMessage{}, false
	}
	ms, err := strconv.ParseInt(fields["date"], 10, 64)
	if err != nil || ms <= 0 {
		return model.ChatMessage{}, false
	}
	sender := fields["address"]
	if t, err := strconv.Atoi(fields["type"]); err == nil && t == smsTypeSent {
		sender = SelfSender
	}
	if body == "NULL" {
		body = ""
	}
	return model.ChatMessage{
		ID:         "sms_" + id,
		Sender:     sender,
		Content:    body,
		Timestamp:  time.UnixMilli(ms).UTC(),
		PlatformID: smsPlatform,
	}, true
}

// Props 读取 getprop 属性表，实现 envinfo.PropReader。
func (a *ADB) Props(ctx context.Context) (map[string]string, error) {
	raw, err := a.exec(ctx, "shell", "getprop")
	if err != nil {
		return nil, err
	}
	props := ParseGetprop(string(raw))
	if len(props) == 0 {
		return nil, errors.New("getprop returned no properties")
	}
	return props, nil
}

var propLine = regexp.MustCompile(`^\[([^\]]+)\]:\s*\[(.*)\]$`)

// ParseGetprop 解析 `[key]: [value]` 行。
func ParseGetprop(raw string) map[string]string {
	out := map[string]string{}
	s := bufio.NewScanner(strings.NewReader(raw))
	for s.Scan() {
		m := propLine.FindStringSubmatch(strings.TrimSpace(s.Text()))
		if m == nil {
			continue
		}
		out[m[1]] = m[2]
	}
	return out
}

func runCmd(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}
	return out, nil
}
