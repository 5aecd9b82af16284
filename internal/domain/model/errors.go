package model

import (
	"errors"
	"fmt"
)

// ErrCorpusLoad 标识词库缺失或损坏。
var ErrCorpusLoad = errors.New("keyword corpus unavailable")

// CorpusLoadError 描述词库加载失败的来源。
type CorpusLoadError struct {
	Path string
	Err  error
}

func (e *CorpusLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load keyword corpus: %v", e.Err)
	}
	return fmt.Sprintf("load keyword corpus %s: %v", e.Path, e.Err)
}

func (e *CorpusLoadError) Unwrap() []error { return []error{ErrCorpusLoad, e.Err} }

// CaptureKind 区分单次采集失败的对象。
type CaptureKind string

const (
	CaptureScreenshot CaptureKind = "screenshot"
	CaptureMessages   CaptureKind = "messages"
	CaptureRecording  CaptureKind = "screen_record"
)

// CaptureError 是单次截图/消息拉取失败，不终止采集会话。
type CaptureError struct {
	Kind CaptureKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// FinalizationStage 表示封存流程中失败的阶段。
type FinalizationStage string

const (
	StageEnvironment FinalizationStage = "environment"
	StageHash        FinalizationStage = "hash"
	StageSerialize   FinalizationStage = "serialize"
	StageEncrypt     FinalizationStage = "encrypt"
	StagePersist     FinalizationStage = "persist"
	StageCancelled   FinalizationStage = "cancelled"
)

// FinalizationError 对当前采集会话是致命的：会话进入 Failed，不落任何证据包。
type FinalizationError struct {
	Stage FinalizationStage
	Err   error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("finalize evidence package (%s): %v", e.Stage, e.Err)
}

func (e *FinalizationError) Unwrap() error { return e.Err }

// InvalidInputError 表示入口处被拒绝的畸形事件。
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}
