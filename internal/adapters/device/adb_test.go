package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRun struct {
	name string
	args []string
}

func fakeADB(out []byte, err error) (*ADB, *[]recordedRun) {
	var calls []recordedRun
	a := &ADB{
		Serial: "emulator-5554",
		Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			calls = append(calls, recordedRun{name: name, args: args})
			return out, err
		},
	}
	return a, &calls
}

func TestParseDevices(t *testing.T) {
	raw := "* daemon started successfully\nList of devices attached\nemulator-5554\tdevice\nR58M\tunauthorized\n\n"
	assert.Equal(t, []Device{
		{Serial: "emulator-5554", State: "device"},
		{Serial: "R58M", State: "unauthorized"},
	}, parseDevices(raw))
}

func TestDevicesOmitsSerial(t *testing.T) {
	a, calls := fakeADB([]byte("List of devices attached\nabc\tdevice\n"), nil)
	devs, err := a.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, []string{"devices"}, (*calls)[0].args)
}

func TestCaptureWritesPNG(t *testing.T) {
	png := append(append([]byte{}, pngMagic...), 1, 2, 3)
	a, calls := fakeADB(png, nil)
	dst := filepath.Join(t.TempDir(), "shots", "s_shot_001.png")

	require.NoError(t, a.Capture(context.Background(), dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, png, got)

	c := (*calls)[0]
	assert.Equal(t, "adb", c.name)
	assert.Equal(t, []string{"-s", "emulator-5554", "exec-out", "screencap", "-p"}, c.args)
}

func TestCaptureRejectsNonPNG(t *testing.T) {
	a, _ := fakeADB([]byte("error: device offline"), nil)
	dst := filepath.Join(t.TempDir(), "x.png")
	require.Error(t, a.Capture(context.Background(), dst))
	assert.NoFileExists(t, dst)

	a, _ = fakeADB(nil, errors.New("adb: no devices"))
	require.Error(t, a.Capture(context.Background(), dst))
}

const smsOutput = `Row: 0 _id=42, address=10086, date=1760580000000, type=1, body=您的验证码是 1234，请勿泄露, 谢谢
Row: 1 _id=41, address=95588, date=1760579000000, type=2, body=好的
Row: 2 _id=40, address=客服, date=1760578000000, type=1, body=第一行
第二行
Row: 3 _id=NULL, address=x, date=1, type=1, body=broken
`

func TestParseSMSRows(t *testing.T) {
	msgs := ParseSMSRows(smsOutput)
	require.Len(t, msgs, 3)

	assert.Equal(t, "sms_40", msgs[0].ID)
	assert.Equal(t, "第一行\n第二行", msgs[0].Content)

	assert.Equal(t, "sms_41", msgs[1].ID)
	assert.Equal(t, SelfSender, msgs[1].Sender)

	last := msgs[2]
	assert.Equal(t, "sms_42", last.ID)
	assert.Equal(t, "10086", last.Sender)
	assert.Equal(t, "您的验证码是 1234，请勿泄露, 谢谢", last.Content)
	assert.Equal(t, "sms", last.PlatformID)
	assert.Equal(t, time.UnixMilli(1760580000000).UTC(), last.Timestamp)
	for _, m := range msgs {
		assert.NoError(t, m.Validate())
	}
}

func TestMessagesFiltersAndLimits(t *testing.T) {
	a, calls := fakeADB([]byte(smsOutput), nil)
	since := time.UnixMilli(1760578500000)

	msgs, err := a.Messages(context.Background(), since, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "sms_42", msgs[0].ID)

	args := strings.Join((*calls)[0].args, " ")
	assert.Contains(t, args, "content query --uri content://sms")
	assert.Contains(t, args, "date>=1760578500000")
}

func TestProps(t *testing.T) {
	raw := "[ro.product.model]: [Pixel 8]\n[ro.build.version.release]: [14]\n[empty.key]: []\ngarbage\n"
	a, _ := fakeADB([]byte(raw), nil)
	props, err := a.Props(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Pixel 8", props["ro.product.model"])
	assert.Equal(t, "14", props["ro.build.version.release"])
	assert.Contains(t, props, "empty.key")

	a, _ = fakeADB([]byte("nothing here"), nil)
	_, err = a.Props(context.Background())
	require.Error(t, err)
}

// recorderADB 模拟设备端 screenrecord：录制阻塞到 pkill，pull 把 body 写到本地路径。
type recorderADB struct {
	mu      sync.Mutex
	calls   [][]string
	body    []byte
	block   bool
	stopped chan struct{}
}

func (r *recorderADB) run(_ context.Context, _ string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()

	cmd := strings.Join(args, " ")
	switch {
	case strings.Contains(cmd, "screenrecord --time-limit"):
		if r.block {
			<-r.stopped
		}
	case strings.Contains(cmd, "pkill -INT screenrecord"):
		close(r.stopped)
	case strings.HasPrefix(cmd, "pull ") || strings.Contains(cmd, " pull "):
		if err := os.WriteFile(args[len(args)-1], r.body, 0o600); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *recorderADB) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

func TestRecordPullsAfterTimeLimit(t *testing.T) {
	fake := &recorderADB{body: []byte("mp4"), stopped: make(chan struct{})}
	a := &ADB{Serial: "emulator-5554", Run: fake.run}
	dst := filepath.Join(t.TempDir(), "records", "col_1_record.mp4")

	require.NoError(t, a.Record(context.Background(), dst, 1500*time.Millisecond))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp4"), got)

	assert.Equal(t, []string{
		"-s emulator-5554 shell screenrecord --time-limit 2 /sdcard/sentinel_col_1_record.mp4",
		"-s emulator-5554 pull /sdcard/sentinel_col_1_record.mp4 " + dst,
		"-s emulator-5554 shell rm -f /sdcard/sentinel_col_1_record.mp4",
	}, fake.commands())
}

func TestRecordStopsEarlyWhenCancelled(t *testing.T) {
	fake := &recorderADB{body: []byte("partial"), block: true, stopped: make(chan struct{})}
	a := &ADB{Run: fake.run}
	dst := filepath.Join(t.TempDir(), "r.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Record(ctx, dst, time.Minute) }()
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Record did not return after cancel")
	}
	assert.FileExists(t, dst)
	assert.Contains(t, fake.commands(), "shell pkill -INT screenrecord")
}

func TestRecordRejectsEmptyFile(t *testing.T) {
	fake := &recorderADB{stopped: make(chan struct{})}
	a := &ADB{Run: fake.run}
	dst := filepath.Join(t.TempDir(), "r.mp4")

	require.Error(t, a.Record(context.Background(), dst, time.Second))
	assert.NoFileExists(t, dst)
}
