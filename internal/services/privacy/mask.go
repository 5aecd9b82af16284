// Package privacy 提供导出/展示层脱敏，不修改证据文件与数据库原始记录。
package privacy

import (
	"encoding/json"
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"fraud-sentinel/internal/domain/model"
)

// Mode 是脱敏模式。
type Mode string

const (
	ModeOff    Mode = "off"
	ModeMasked Mode = "masked"
)

// ParseMode 解析脱敏模式，无法识别时返回 off。
func ParseMode(s string) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(s))) == ModeMasked {
		return ModeMasked
	}
	return ModeOff
}

var (
	rePhone       = regexp.MustCompile(`(?:\+?86[- ]?)?1[3-9]\d{9}`)
	reLongDigits  = regexp.MustCompile(`\d{7,}`)
	reDigitRun    = regexp.MustCompile(`\+?\d{7,}`)
	reURLInText   = regexp.MustCompile(`(?i)\bhttps?://[^\s，。；]+`)
	reURLSchemeRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
)

// MaskSnapshotPath 把绝对路径压缩为文件名，避免暴露用户名/目录结构。
func MaskSnapshotPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Base(p)
}

// MaskPhone 保留手机号前 3 位和后 4 位。非手机号的长数字串保留首尾各 2 位。
func MaskPhone(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if m := rePhone.FindString(s); m == s {
		digits := m[len(m)-11:]
		return m[:len(m)-11] + digits[:3] + "****" + digits[7:]
	}
	sign, d := "", s
	if strings.HasPrefix(d, "+") {
		sign, d = "+", d[1:]
	}
	if len(d) >= 7 && reLongDigits.FindString(d) == d {
		return sign + d[:2] + strings.Repeat("*", len(d)-4) + d[len(d)-2:]
	}
	return s
}

// MaskText 对消息正文中的手机号、长数字串（银行卡/验证码等）与 URL 做脱敏。
func MaskText(s string) string {
	if s == "" {
		return s
	}
	s = reURLInText.ReplaceAllStringFunc(s, MaskURL)
	return reDigitRun.ReplaceAllStringFunc(s, MaskPhone)
}

// MaskURL 把 URL 降级为只保留域名的形式。
// 输入不是合法 URL 时，返回 "<masked_url>"。
func MaskURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !reURLSchemeRE.MatchString(raw) {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<masked_url>"
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return "<masked_url>"
	}
	return host
}

// MaskIP 隐藏 IPv4 后两段 / IPv6 后 64 位。
func MaskIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return "<masked>"
	}
	if v4 := ip.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return parts[0] + "." + parts[1] + ".*.*"
	}
	mask := net.CIDRMask(64, 128)
	return ip.Mask(mask).String() + "/64"
}

// MaskMessages 返回脱敏后的消息副本。
func MaskMessages(msgs []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		mm := m
		mm.Sender = MaskPhone(mm.Sender)
		mm.Content = MaskText(mm.Content)
		out = append(out, mm)
	}
	return out
}

// MaskEnvironment 脱敏 IP 与位置。
func MaskEnvironment(env model.EnvironmentSnapshot) model.EnvironmentSnapshot {
	if env.IPAddress != nil {
		v := MaskIP(*env.IPAddress)
		env.IPAddress = &v
	}
	if env.Location != nil {
		v := "<masked>"
		env.Location = &v
	}
	return env
}

// MaskPackage 返回证据包的展示副本。注意：副本的 ContentHash 不再对应其内容，只能用于展示。
func MaskPackage(pkg model.EvidencePackage) model.EvidencePackage {
	out := pkg
	out.ScreenshotPaths = make([]string, 0, len(pkg.ScreenshotPaths))
	for _, p := range pkg.ScreenshotPaths {
		out.ScreenshotPaths = append(out.ScreenshotPaths, MaskSnapshotPath(p))
	}
	if pkg.ScreenRecordPath != nil {
		v := MaskSnapshotPath(*pkg.ScreenRecordPath)
		out.ScreenRecordPath = &v
	}
	out.ChatMessages = MaskMessages(pkg.ChatMessages)
	out.Environment = MaskEnvironment(pkg.Environment)
	out.Description = MaskText(pkg.Description)
	return out
}

// MaskRecords 把证据记录中的文件路径压缩为文件名。
func MaskRecords(recs []model.EvidenceRecord) []model.EvidenceRecord {
	if len(recs) == 0 {
		return recs
	}
	out := make([]model.EvidenceRecord, 0, len(recs))
	for _, r := range recs {
		rr := r
		rr.FilePath = MaskSnapshotPath(rr.FilePath)
		rr.Description = MaskText(rr.Description)
		out = append(out, rr)
	}
	return out
}

var pathDetailKeys = []string{"file_path", "path", "dest", "src"}

// MaskAuditDetail 对审计 detail_json 中的路径字段做脱敏；非 JSON 原样返回。
func MaskAuditDetail(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	for _, k := range pathDetailKeys {
		if v, ok := m[k].(string); ok {
			m[k] = MaskSnapshotPath(v)
		}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}
