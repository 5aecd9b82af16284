package model

import (
	"fmt"
	"strings"
)

// Severity 表示风险等级，顺序固定：None < Low < Medium < High。
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	default:
		return "NONE"
	}
}

// DisplayName 返回界面展示用的中文名称。
func (s Severity) DisplayName() string {
	switch s {
	case SeverityLow:
		return "低风险"
	case SeverityMedium:
		return "中风险"
	case SeverityHigh:
		return "高风险"
	default:
		return "无风险"
	}
}

// ParseSeverity 解析等级字符串（大小写不敏感）。
// 未知值与空串一律视为 None，与词库 risk_level 缺省语义一致。
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return SeverityHigh
	case "MEDIUM":
		return SeverityMedium
	case "LOW":
		return SeverityLow
	default:
		return SeverityNone
	}
}

// MaxSeverity 取最高等级；无入参时返回 None。
func MaxSeverity(levels ...Severity) Severity {
	out := SeverityNone
	for _, l := range levels {
		if l > out {
			out = l
		}
	}
	return out
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v := strings.ToUpper(strings.TrimSpace(string(b)))
	switch v {
	case "", "NONE", "HIGH", "MEDIUM", "LOW":
		*s = ParseSeverity(v)
		return nil
	default:
		return fmt.Errorf("unknown severity %q", string(b))
	}
}
