package cmd

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camstream/internal/config"
)

// isolate は設定ファイルと環境変数の影響を受けないようにする
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("PORT", "")
	t.Setenv("SERVER_HOST", "")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigCommand(t *testing.T) {
	isolate(t)

	testCases := []struct {
		name      string
		args      []string
		contains  []string
		expectErr bool
	}{
		{
			name:     "デフォルト設定",
			args:     []string{"config"},
			contains: []string{"port: 8888", "id: camera1", "source: v4l2", "drain_timeout: 2s"},
		},
		{
			name:     "フラグで上書き",
			args:     []string{"config", "--port", "9000", "--source", "testpattern", "--host", "127.0.0.1", "--log-level", "debug"},
			contains: []string{"port: 9000", "source: testpattern", "host: 127.0.0.1", "level: debug"},
		},
		{
			name:      "不正なポート",
			args:      []string{"config", "-p", "70000"},
			expectErr: true,
		},
		{
			name:      "不正なソース",
			args:      []string{"config", "--source", "rtsp"},
			expectErr: true,
		},
		{
			name:      "存在しない設定ファイル",
			args:      []string{"config", "-c", "/nonexistent/config.yaml"},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := execute(t, tc.args...)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, s := range tc.contains {
				assert.Contains(t, out, s)
			}
		})
	}
}

func TestConfigCommand_ConfigFile(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "camstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("camera:\n  id: frontdoor\nstream:\n  fps: 15\n"), 0o644))

	out, err := execute(t, "config", "--config", path, "--port", "8081")
	require.NoError(t, err)
	assert.Contains(t, out, "id: frontdoor")
	assert.Contains(t, out, "fps: 15")
	assert.Contains(t, out, "port: 8081")
}

func TestServeCommand_BindFailure(t *testing.T) {
	isolate(t)

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	port := strconv.Itoa(occupied.Addr().(*net.TCPAddr).Port)

	_, err = execute(t, "serve", "--source", "testpattern", "--host", "127.0.0.1", "--port", port, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ポートのバインドに失敗")
}

func TestPrintBanner(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	cfg := config.Default()
	var out bytes.Buffer
	printBanner(&out, cfg, "127.0.0.1:8888")

	assert.Contains(t, out.String(), "http://127.0.0.1:8888/stream/camera1")
	assert.Contains(t, out.String(), "http://127.0.0.1:8888/health")
	assert.Contains(t, out.String(), "source: v4l2, 640x480")
}
