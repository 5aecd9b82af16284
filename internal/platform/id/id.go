package id

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New 生成带前缀的唯一 ID：
// prefix + 毫秒时间戳 + 随机后缀（取自 UUIDv4 的前 12 个十六进制字符）。
// 时间在前便于日志阅读和按文件名排序。
func New(prefix string) string {
	r := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), r[:12])
}
