package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityOrderingAndParse(t *testing.T) {
	assert.True(t, SeverityNone < SeverityLow)
	assert.True(t, SeverityLow < SeverityMedium)
	assert.True(t, SeverityMedium < SeverityHigh)

	assert.Equal(t, SeverityHigh, ParseSeverity("high"))
	assert.Equal(t, SeverityMedium, ParseSeverity(" MEDIUM "))
	assert.Equal(t, SeverityLow, ParseSeverity("LOW"))
	assert.Equal(t, SeverityNone, ParseSeverity(""))
	assert.Equal(t, SeverityNone, ParseSeverity("CRITICAL"))

	assert.Equal(t, SeverityNone, MaxSeverity())
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh, SeverityMedium))
	assert.Equal(t, "高风险", SeverityHigh.DisplayName())
}

func TestSeverityJSON(t *testing.T) {
	raw, err := json.Marshal(map[string]Severity{"s": SeverityMedium})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"MEDIUM"}`, string(raw))

	var out struct {
		S Severity `json:"s"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"s":"high"}`), &out))
	assert.Equal(t, SeverityHigh, out.S)
	assert.Error(t, json.Unmarshal([]byte(`{"s":"urgent"}`), &out))
}

func TestBehaviorEventValidate(t *testing.T) {
	ok := BehaviorEvent{Kind: BehaviorClick, ClickFrequency: 3}
	require.NoError(t, ok.Validate())

	cases := []BehaviorEvent{
		{Kind: "swipe"},
		{Kind: BehaviorClick, ClickFrequency: -1},
		{Kind: BehaviorInput, InputSpeed: -5},
	}
	for _, ev := range cases {
		err := ev.Validate()
		var invalid *InvalidInputError
		assert.True(t, errors.As(err, &invalid), "event %+v", ev)
	}
}

func TestChatMessageValidate(t *testing.T) {
	assert.Error(t, ChatMessage{Timestamp: time.Now()}.Validate())
	assert.Error(t, ChatMessage{ID: "m1"}.Validate())
	assert.NoError(t, ChatMessage{ID: "m1", Timestamp: time.Now()}.Validate())
}

func TestCorpusLoadErrorIs(t *testing.T) {
	err := &CorpusLoadError{Path: "x.json", Err: errors.New("boom")}
	assert.ErrorIs(t, err, ErrCorpusLoad)
	assert.Contains(t, err.Error(), "x.json")
}

func TestMarshalProgressCarriesKind(t *testing.T) {
	raw, err := MarshalProgress(CollectionTick{Session: "s1", ScreenshotCount: 2, MessageCount: 5})
	require.NoError(t, err)

	var out struct {
		Kind string         `json:"kind"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "progress", out.Kind)
	assert.Equal(t, "s1", out.Data["session_id"])
	assert.EqualValues(t, 2, out.Data["screenshot_count"])
}
