package privacy

import (
	"encoding/json"
	"testing"
	"time"

	"fraud-sentinel/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskSnapshotPath(t *testing.T) {
	assert.Equal(t, "bar.png", MaskSnapshotPath("/Users/alice/Library/Application Support/foo/bar.png"))
	assert.Empty(t, MaskSnapshotPath("  "))
}

func TestMaskURL(t *testing.T) {
	assert.Equal(t, "example.com", MaskURL("https://example.com/a/b?x=1"))
	assert.Equal(t, "pay.example.cn", MaskURL("pay.example.cn/path"))
}

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"13812345678":         "138****5678",
		"+8613812345678":      "+86138****5678",
		"6222021234567890123": "62***************23",
		"10086":               "10086",
		"客服":                  "客服",
		"":                    "",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskPhone(in), in)
	}
}

func TestMaskText(t *testing.T) {
	got := MaskText("请联系 13812345678 并打开 https://evil.example.com/pay?id=1 转账到 6222021234567890123，验证码 1234")
	assert.Equal(t, "请联系 138****5678 并打开 evil.example.com 转账到 62***************23，验证码 1234", got)
}

func TestMaskIP(t *testing.T) {
	assert.Equal(t, "192.168.*.*", MaskIP("192.168.1.10"))
	assert.Equal(t, "2001:db8::/64", MaskIP("2001:db8::1"))
	assert.Equal(t, "<masked>", MaskIP("not-an-ip"))
}

func TestMaskPackageLeavesOriginalUntouched(t *testing.T) {
	ip := "10.1.2.3"
	rec := "/data/evidence/rec.mp4"
	pkg := model.EvidencePackage{
		ID:               "evp_1",
		Description:      "高风险：发送者风险：13812345678",
		ScreenRecordPath: &rec,
		ScreenshotPaths:  []string{"/data/evidence/s_shot_001.png"},
		ChatMessages:     []model.ChatMessage{{ID: "sms_1", Sender: "13812345678", Content: "回拨 13987654321", Timestamp: time.Now()}},
		Environment:      model.EnvironmentSnapshot{DeviceModel: "Pixel", IPAddress: &ip},
	}

	masked := MaskPackage(pkg)
	assert.Equal(t, []string{"s_shot_001.png"}, masked.ScreenshotPaths)
	assert.Equal(t, "rec.mp4", *masked.ScreenRecordPath)
	assert.Equal(t, "138****5678", masked.ChatMessages[0].Sender)
	assert.Equal(t, "回拨 139****4321", masked.ChatMessages[0].Content)
	assert.Equal(t, "10.1.*.*", *masked.Environment.IPAddress)
	assert.Equal(t, "高风险：发送者风险：138****5678", masked.Description)

	assert.Equal(t, "/data/evidence/s_shot_001.png", pkg.ScreenshotPaths[0])
	assert.Equal(t, "13812345678", pkg.ChatMessages[0].Sender)
	assert.Equal(t, "10.1.2.3", *pkg.Environment.IPAddress)
	assert.Equal(t, "/data/evidence/rec.mp4", rec)
}

func TestMaskRecords(t *testing.T) {
	out := MaskRecords([]model.EvidenceRecord{{EvidenceID: "evp_1", FilePath: "/home/u/evidence/evp_1.evp"}})
	require.Len(t, out, 1)
	assert.Equal(t, "evp_1.evp", out[0].FilePath)
	assert.Nil(t, MaskRecords(nil))
}

func TestMaskAuditDetail(t *testing.T) {
	out := MaskAuditDetail(json.RawMessage(`{"dest":"/home/u/export/evp_1.json","count":2}`))
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "evp_1.json", m["dest"])
	assert.EqualValues(t, 2, m["count"])

	assert.Equal(t, json.RawMessage(`not json`), MaskAuditDetail(json.RawMessage(`not json`)))
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeMasked, ParseMode(" Masked "))
	assert.Equal(t, ModeOff, ParseMode("whatever"))
}
