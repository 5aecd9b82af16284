package app

// 构建信息，发布时通过 -ldflags "-X fraud-sentinel/internal/app.Version=..." 注入。
var (
	Version   = "0.1.0-dev"
	Commit    = "unknown"
	BuildTime = ""
)
