package model

import (
	"encoding/json"
	"time"
)

// NetworkType 表示封存时刻的网络类型。
type NetworkType string

const (
	NetworkWifi    NetworkType = "wifi"
	NetworkMobile  NetworkType = "mobile"
	NetworkUnknown NetworkType = "unknown"
)

// ParseNetworkType 解析网络类型，无法识别时返回 Unknown。
func ParseNetworkType(s string) NetworkType {
	switch NetworkType(s) {
	case NetworkWifi, NetworkMobile:
		return NetworkType(s)
	}
	switch s {
	case "WIFI", "WiFi", "Wifi":
		return NetworkWifi
	case "MOBILE", "Mobile", "cellular":
		return NetworkMobile
	}
	return NetworkUnknown
}

// EnvironmentSnapshot 在证据包封存时采集一次。
type EnvironmentSnapshot struct {
	DeviceModel string      `json:"device_model"`
	OSVersion   string      `json:"os_version"`
	AppVersion  string      `json:"app_version"`
	NetworkType NetworkType `json:"network_type"`
	IPAddress   *string     `json:"ip_address,omitempty"`
	Location    *string     `json:"location,omitempty"`
}

// UnknownEnvironment 是环境信息不可用时的兜底快照。
func UnknownEnvironment() EnvironmentSnapshot {
	return EnvironmentSnapshot{
		DeviceModel: "Unknown",
		OSVersion:   "Unknown",
		AppVersion:  "Unknown",
		NetworkType: NetworkUnknown,
	}
}

// EvidencePackage 是一次采集会话的产物。
//
// ContentHash 在最后计算：对 ContentHash 为空时的规范化 JSON 取 SHA-256，
// 空值依赖 omitempty 从序列化结果中剔除。写入后整个结构视为已封存。
type EvidencePackage struct {
	ID               string              `json:"id"`
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	ScreenRecordPath *string             `json:"screen_record_path,omitempty"`
	ScreenshotPaths  []string            `json:"screenshot_paths"`
	ChatMessages     []ChatMessage       `json:"chat_messages"`
	Environment      EnvironmentSnapshot `json:"environment"`
	Timestamp        time.Time           `json:"timestamp"`
	ContentHash      string              `json:"content_hash,omitempty"`
	BlockchainRef    *string             `json:"blockchain_ref,omitempty"` // 预留，未使用
}

// Unsealed 返回清空 ContentHash 的副本，用于计算/复核哈希。
func (p EvidencePackage) Unsealed() EvidencePackage {
	p.ContentHash = ""
	return p
}

// Sealed 表示哈希已写入。
func (p EvidencePackage) Sealed() bool {
	return p.ContentHash != ""
}

// ProgressKind 是采集进度事件的判别字段。
type ProgressKind string

const (
	ProgressStarted   ProgressKind = "started"
	ProgressTick      ProgressKind = "progress"
	ProgressCompleted ProgressKind = "completed"
	ProgressFailed    ProgressKind = "failed"
)

// CollectionProgress 是采集进度事件的封闭变体集合，
// 只有本包内的 CollectionStarted / CollectionTick / CollectionCompleted / CollectionFailed 实现它。
// 消费方应对四种类型做穷尽的 type switch。
type CollectionProgress interface {
	ProgressKind() ProgressKind
	SessionID() string
	isCollectionProgress()
}

type CollectionStarted struct {
	Session string    `json:"session_id"`
	Trigger string    `json:"trigger,omitempty"`
	At      time.Time `json:"at"`
}

type CollectionTick struct {
	Session         string        `json:"session_id"`
	Elapsed         time.Duration `json:"elapsed"`
	ScreenshotCount int           `json:"screenshot_count"`
	MessageCount    int           `json:"message_count"`
}

type CollectionCompleted struct {
	Session string          `json:"session_id"`
	Package EvidencePackage `json:"package"`
	FileRef string          `json:"file_ref,omitempty"`
}

type CollectionFailed struct {
	Session string            `json:"session_id"`
	Stage   FinalizationStage `json:"stage"`
	Message string            `json:"message"`
}

func (CollectionStarted) ProgressKind() ProgressKind   { return ProgressStarted }
func (CollectionTick) ProgressKind() ProgressKind      { return ProgressTick }
func (CollectionCompleted) ProgressKind() ProgressKind { return ProgressCompleted }
func (CollectionFailed) ProgressKind() ProgressKind    { return ProgressFailed }

func (e CollectionStarted) SessionID() string   { return e.Session }
func (e CollectionTick) SessionID() string      { return e.Session }
func (e CollectionCompleted) SessionID() string { return e.Session }
func (e CollectionFailed) SessionID() string    { return e.Session }

func (CollectionStarted) isCollectionProgress()   {}
func (CollectionTick) isCollectionProgress()      {}
func (CollectionCompleted) isCollectionProgress() {}
func (CollectionFailed) isCollectionProgress()    {}

// MarshalProgress 把进度事件编码为带 kind 判别字段的 JSON（WebSocket / CLI 输出用）。
func MarshalProgress(p CollectionProgress) ([]byte, error) {
	return json.Marshal(struct {
		Kind ProgressKind       `json:"kind"`
		Data CollectionProgress `json:"data"`
	}{Kind: p.ProgressKind(), Data: p})
}
