package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stemfm/cache"
	"stemfm/config"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试Redis连接是否成功，进行基本读写操作，并显示已保存的播放会话。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("开始测试Redis连接...")

		cfg := config.Load()
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		if err := cache.ConnectRedis(cfg); err != nil {
			return fmt.Errorf("无法连接到Redis: %w", err)
		}
		defer cache.CloseRedis()
		fmt.Println("Redis连接成功！")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cache.TestRedis(ctx); err != nil {
			return fmt.Errorf("Redis操作测试失败: %w", err)
		}
		fmt.Println("Redis基本操作测试成功！")

		sess, err := cache.NewSessionCache(cache.RedisClient, cfg.SessionID, cfg.SessionTTL).Load(ctx)
		switch {
		case err == nil:
			fmt.Printf("会话 %q: track=%d volume=%.2f muted=%v stems=%v\n", cfg.SessionID, sess.TrackIndex, sess.Volume, sess.Muted, sess.Stems)
		default:
			fmt.Printf("会话 %q: %v\n", cfg.SessionID, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
