package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/vigilant/internal/scan"
)

func TestDecode(t *testing.T) {
	req, err := Decode([]byte(`{"type":"DOWNLOAD_THREAT","filename":"a.exe","url":"https://x","riskScore":0.75}`))
	require.NoError(t, err)
	assert.Equal(t, DownloadThreatRequest{Filename: "a.exe", URL: "https://x", RiskScore: 0.75}, req)

	req, err = Decode([]byte(`{"type":"SAVE_SETTINGS","settings":{"strictMode":true,"futureKey":1}}`))
	require.NoError(t, err)
	save, ok := req.(SaveSettingsRequest)
	require.True(t, ok)
	require.NotNil(t, save.Settings.StrictMode)
	assert.True(t, *save.Settings.StrictMode)
	assert.Nil(t, save.Settings.Protection)

	req, err = Decode([]byte(`{"type":"GET_STATE"}`))
	require.NoError(t, err)
	assert.Equal(t, GetStateRequest{}, req)

	req, err = Decode([]byte(`{"type":"TAB_CLOSED","tabId":5}`))
	require.NoError(t, err)
	assert.Equal(t, TabClosedRequest{TabID: 5}, req)
}

func TestDecode_ScanResult(t *testing.T) {
	req, err := Decode([]byte(`{"type":"SCAN_RESULT","tabId":3,"result":{"url":"https://a","verdict":"warning","scanMs":5}}`))
	require.NoError(t, err)
	sr, ok := req.(ScanResultRequest)
	require.True(t, ok)
	require.NotNil(t, sr.TabID)
	assert.Equal(t, 3, *sr.TabID)
	assert.Equal(t, scan.VerdictWarning, sr.Result.Verdict)
	assert.Nil(t, sr.Result.RiskScore)

	_, err = Decode([]byte(`{"type":"SCAN_RESULT","result":{"verdict":""}}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecode_Unknown(t *testing.T) {
	req, err := Decode([]byte(`{"type":"SELF_DESTRUCT"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageType("SELF_DESTRUCT"), req.Type())

	_, err = Decode([]byte(`[`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
