package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"camstream/internal/app"
	"camstream/internal/config"
	"camstream/internal/logging"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "serve",
		Short:         "配信サーバーを起動する",
		Long:          `配信サーバーを起動し、SIGINT / SIGTERM を受け取るまで配信を続けます。`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
		Example: `  # 既定の設定で起動
  camstream serve

  # テストパターンをポート8080で配信
  camstream serve --source testpattern -p 8080

  # 設定ファイルを指定
  camstream serve -c /etc/camstream/config.yaml`,
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log); err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ポートのバインド失敗はここで返り、終了コードが非ゼロになる
	if err := a.Start(ctx); err != nil {
		return err
	}

	printBanner(cmd.OutOrStdout(), cfg, a.Server().Addr().String())

	<-ctx.Done()
	logging.Component("cmd").Info("シグナルを受信しました")

	return a.Stop(context.Background())
}

// printBanner は起動時の案内を表示する
func printBanner(w io.Writer, cfg *config.Config, addr string) {
	green := color.New(color.FgGreen, color.Bold)
	cyan := color.New(color.FgCyan)
	faint := color.New(color.Faint)

	fmt.Fprintf(w, "%s %s\n", green.Sprint("camstream"), faint.Sprintf("(source: %s, %dx%d)", cfg.Camera.Source, cfg.Camera.Width, cfg.Camera.Height))
	fmt.Fprintf(w, "  stream ➜ %s\n", cyan.Sprintf("http://%s/stream/%s", addr, cfg.Camera.ID))
	fmt.Fprintf(w, "  health ➜ %s\n", cyan.Sprintf("http://%s/health", addr))
	faint.Fprintln(w, "Ctrl+C で停止します")
}
