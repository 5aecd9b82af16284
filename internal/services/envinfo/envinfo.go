// Package envinfo 在证据封存时提供设备环境快照。
//
// 多个来源按顺序合并：先出现的非空字段优先，全部缺失时回落为 "Unknown"。
package envinfo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"fraud-sentinel/internal/domain/model"

	"howett.net/plist"
)

const unknown = "Unknown"

// Provider 与 evidence.EnvironmentProvider 同形。
type Provider interface {
	Snapshot(ctx context.Context) (model.EnvironmentSnapshot, error)
}

// Static 返回固定快照，用于配置文件中声明的设备信息或测试。
type Static struct {
	Snap model.EnvironmentSnapshot
}

func (s Static) Snapshot(context.Context) (model.EnvironmentSnapshot, error) {
	return s.Snap, nil
}

// deviceProfile 是设备描述 plist 中关心的字段。
// 兼容 iOS 备份 Info.plist（Product Type / Product Version）与 SystemVersion.plist。
type deviceProfile struct {
	ProductName                string `plist:"ProductName"`
	ProductType                string `plist:"Product Type"`
	DeviceName                 string `plist:"Device Name"`
	Model                      string `plist:"model"`
	ProductVersion             string `plist:"ProductVersion"`
	BackupProductVersion       string `plist:"Product Version"`
	CFBundleShortVersionString string `plist:"CFBundleShortVersionString"`
	CFBundleVersion            string `plist:"CFBundleVersion"`
	NetworkType                string `plist:"NetworkType"`
	IPAddress                  string `plist:"IPAddress"`
}

// Profile 从 plist 设备描述文件读取环境信息（XML 与二进制 plist 均可）。
type Profile struct {
	Path string
}

func (p Profile) Snapshot(ctx context.Context) (model.EnvironmentSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.EnvironmentSnapshot{}, err
	}
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return model.EnvironmentSnapshot{}, fmt.Errorf("read device profile: %w", err)
	}
	return ParseProfile(raw)
}

// ParseProfile 解析 plist 内容。
func ParseProfile(raw []byte) (model.EnvironmentSnapshot, error) {
	var dp deviceProfile
	if _, err := plist.Unmarshal(raw, &dp); err != nil {
		return model.EnvironmentSnapshot{}, fmt.Errorf("decode device profile: %w", err)
	}
	snap := model.EnvironmentSnapshot{
		DeviceModel: firstNonEmpty(dp.Model, dp.ProductType, dp.DeviceName, dp.ProductName),
		OSVersion:   firstNonEmpty(dp.ProductVersion, dp.BackupProductVersion),
		AppVersion:  firstNonEmpty(dp.CFBundleShortVersionString, dp.CFBundleVersion),
	}
	if dp.NetworkType != "" {
		snap.NetworkType = model.ParseNetworkType(dp.NetworkType)
	}
	if ip := strings.TrimSpace(dp.IPAddress); ip != "" {
		snap.IPAddress = &ip
	}
	return snap, nil
}

// PropReader 读取设备属性表（adb getprop），device.ADB 实现该接口。
type PropReader interface {
	Props(ctx context.Context) (map[string]string, error)
}

// Props 把 Android 系统属性映射为环境快照。
type Props struct {
	Reader PropReader
}

func (p Props) Snapshot(ctx context.Context) (model.EnvironmentSnapshot, error) {
	props, err := p.Reader.Props(ctx)
	if err != nil {
		return model.EnvironmentSnapshot{}, err
	}
	device := strings.Join(nonEmpty(props["ro.product.manufacturer"], props["ro.product.model"]), " ")
	snap := snapshotOf(device, props["ro.build.version.release"])
	if ip := firstNonEmpty(props["dhcp.wlan0.ipaddress"]); ip != "" {
		snap.IPAddress = &ip
		snap.NetworkType = model.NetworkWifi
	} else if props["gsm.network.type"] != "" {
		snap.NetworkType = model.NetworkMobile
	}
	return snap, nil
}

// Chain 依次询问各来源并逐字段合并；全部失败时返回所有错误。
type Chain struct {
	Providers []Provider
	// AppVersion 覆盖来源中的应用版本（通常是本程序的构建版本）。
	AppVersion string
}

func (c Chain) Snapshot(ctx context.Context) (model.EnvironmentSnapshot, error) {
	var (
		out  model.EnvironmentSnapshot
		errs []error
		ok   bool
	)
	for _, p := range c.Providers {
		if p == nil {
			continue
		}
		snap, err := p.Snapshot(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ok = true
		out = merge(out, snap)
	}
	if c.AppVersion != "" {
		out.AppVersion = c.AppVersion
		ok = true
	}
	if !ok && len(errs) > 0 {
		return model.UnknownEnvironment(), errors.Join(errs...)
	}
	return Normalize(out), nil
}

// Normalize 把缺失字段补成 Unknown。
func Normalize(s model.EnvironmentSnapshot) model.EnvironmentSnapshot {
	if strings.TrimSpace(s.DeviceModel) == "" {
		s.DeviceModel = unknown
	}
	if strings.TrimSpace(s.OSVersion) == "" {
		s.OSVersion = unknown
	}
	if strings.TrimSpace(s.AppVersion) == "" {
		s.AppVersion = unknown
	}
	if s.NetworkType == "" {
		s.NetworkType = model.NetworkUnknown
	}
	return s
}

func merge(dst, src model.EnvironmentSnapshot) model.EnvironmentSnapshot {
	if known(dst.DeviceModel) == "" {
		dst.DeviceModel = known(src.DeviceModel)
	}
	if known(dst.OSVersion) == "" {
		dst.OSVersion = known(src.OSVersion)
	}
	if known(dst.AppVersion) == "" {
		dst.AppVersion = known(src.AppVersion)
	}
	if dst.NetworkType == "" || dst.NetworkType == model.NetworkUnknown {
		dst.NetworkType = src.NetworkType
	}
	if dst.IPAddress == nil {
		dst.IPAddress = src.IPAddress
	}
	if dst.Location == nil {
		dst.Location = src.Location
	}
	return dst
}

func known(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, unknown) {
		return ""
	}
	return s
}

func snapshotOf(deviceModel, osVersion string) model.EnvironmentSnapshot {
	return model.EnvironmentSnapshot{
		DeviceModel: strings.TrimSpace(deviceModel),
		OSVersion:   strings.TrimSpace(osVersion),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(vals ...string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
