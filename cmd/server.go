package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stemfm/config"
	"stemfm/core/auth"
	"stemfm/core/session"
	"stemfm/logger"
	"stemfm/server"
)

var serverClientUA string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动stemfm服务器",
	Long:  `启动音频引擎和HTTP控制接口，媒体会话遥控通过 /ws/session 连接`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		initLogger(cfg)
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, hostFacts(serverClientUA))
		if err != nil {
			return err
		}
		defer a.close()

		hub := session.NewHub(session.WithSignalSink(a.monitor.Post))
		go hub.Run()
		defer hub.Stop()
		a.attachSurface(hub)

		opts := []server.HandlerOption{server.WithHub(hub), server.WithFacts(hostFacts(serverClientUA))}
		if cfg.AuthEnabled() {
			opts = append(opts, server.WithAuth(auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL), cfg.ControlSecretHash))
		} else {
			logger.Warn("control API is unauthenticated; set CONTROL_SECRET_HASH and JWT_SECRET to require pairing")
		}
		handler := server.NewAPIHandler(a.engine, a.monitor, opts...)
		return server.Serve(ctx, cfg.ServerAddr, server.NewRouter(handler))
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&serverClientUA, "client-ua", "", "user agent of the front end, used for platform-specific recovery")
}
