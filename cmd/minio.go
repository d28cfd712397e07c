package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stemfm/config"
	"stemfm/storage"
)

var (
	minioPrefix  string
	minioPresign string
	minioEnsure  bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO音频文件管理",
	Long:  `列出存储桶中的音频文件及其 minio:// 曲库地址，或为单个对象生成预签名地址。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		store, err := storage.NewStore(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if minioEnsure {
			if err := store.Ensure(ctx); err != nil {
				return err
			}
		}

		if minioPresign != "" {
			u, err := store.Resolve(ctx, minioPresign)
			if err != nil {
				return err
			}
			fmt.Println(u)
			return nil
		}

		objects, stats, err := store.ListAudio(ctx, minioPrefix)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SIZE\tMODIFIED\tSRC")
		for _, o := range objects {
			fmt.Fprintf(w, "%s\t%s\t%s\n", humanize.Bytes(uint64(o.Size)), humanize.Time(o.LastModified), o.Locator(store.Bucket()))
		}
		w.Flush()
		fmt.Printf("\n%d audio objects, %s total\n", stats.TotalObjects, humanize.Bytes(uint64(stats.TotalSize)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件")
	minioCmd.Flags().StringVar(&minioPresign, "presign", "", "minio://bucket/key locator to presign")
	minioCmd.Flags().BoolVar(&minioEnsure, "ensure", false, "create the bucket if it does not exist")

	minioCmd.Example = `  # 列出所有音频文件
  stemfm minio

  # 按前缀过滤文件
  stemfm minio -p "albums/2025/"

  # 生成预签名地址
  stemfm minio --presign minio://stemfm/albums/2025/opening.flac`
}
