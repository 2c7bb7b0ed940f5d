// Package cmd はcamstreamのコマンドラインインターフェースを提供する
package cmd

import (
	"github.com/spf13/cobra"

	"camstream/internal/config"
)

// rootOptions は全サブコマンド共通のフラグ
type rootOptions struct {
	configPath string
	host       string
	port       int
	source     string
	logLevel   string
}

// Execute はルートコマンドを実行する
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand はルートコマンドを作成する
// サブコマンドなしで実行した場合は serve と同じ動作をする
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   config.AppName,
		Short: "USBカメラのMJPEG配信サーバー",
		Long: `camstreamはUSBカメラの映像をMJPEG (multipart/x-mixed-replace) で複数のHTTPクライアントに配信します。
カメラの抜き差しに追従し、カメラがない間もクライアントの接続を維持します。`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "設定ファイルのパス（省略時は既定の場所を探す）")
	flags.StringVar(&opts.host, "host", "", "リッスンするホスト")
	flags.IntVarP(&opts.port, "port", "p", 0, "リッスンするポート番号")
	flags.StringVar(&opts.source, "source", "", "カメラソース (v4l2 / testpattern)")
	flags.StringVar(&opts.logLevel, "log-level", "", "ログレベル (debug / info / warn / error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))

	return cmd
}

// loadConfig は設定を読み込み、明示されたフラグで上書きする
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("source") {
		cfg.Camera.Source = opts.source
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
