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
	"stemfm/core/softaudio"
	"stemfm/db"
	"stemfm/model"
	"stemfm/repository"
)

var (
	catalogMigrate bool
	catalogImport  string
	catalogProbe   bool
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "查看和管理曲库",
	Long:  `列出曲库中的曲目及发行状态。--migrate 创建 tracks 表，--import 把 JSON 曲库导入当前曲库源，--probe 用 ffprobe 读取时长。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		initLogger(cfg)
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		repo, closeRepo, err := openCatalog(cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		if catalogMigrate {
			if cfg.CatalogSource != "db" {
				return fmt.Errorf("--migrate needs CATALOG_SOURCE=db")
			}
			if err := db.AutoMigrateModels(&model.Track{}); err != nil {
				return err
			}
			fmt.Println("tracks table is up to date")
		}

		if catalogImport != "" {
			tracks, err := repository.NewFileTrackRepository(catalogImport).ListTracks(ctx)
			if err != nil {
				return err
			}
			if err := repo.SaveTracks(ctx, tracks); err != nil {
				return err
			}
			fmt.Printf("imported %d tracks from %s\n", len(tracks), catalogImport)
		}

		tracks, err := repo.ListTracks(ctx)
		if err != nil {
			return err
		}
		var decoder *softaudio.Decoder
		if catalogProbe {
			decoder = softaudio.NewDecoder(cfg.FFmpegPath, cfg.FFprobePath, cfg.SampleRate)
		}
		printCatalog(ctx, tracks, decoder)
		return nil
	},
}

func printCatalog(ctx context.Context, tracks []model.Track, decoder *softaudio.Decoder) {
	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "#\tTITLE\tARTIST\tRELEASE\tGAIN\tDURATION\tSRC")
	playable := 0
	for _, t := range tracks {
		idx := "-"
		if t.IsReleased(now) {
			idx = fmt.Sprint(playable)
			playable++
		}
		release := "unreleased"
		if t.ReleaseDate != nil {
			release = humanize.Time(*t.ReleaseDate)
		}
		duration := ""
		if decoder != nil {
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if d, err := decoder.ProbeDuration(probeCtx, t.Src); err == nil {
				duration = (time.Duration(d * float64(time.Second))).Round(time.Second).String()
			} else {
				duration = "?"
			}
			cancel()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n", idx, t.Title, t.Artist, release, t.NormalizedGain(), duration, t.Src)
	}
	fmt.Fprintf(w, "\n%d of %d tracks playable\n", playable, len(tracks))
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.Flags().BoolVar(&catalogMigrate, "migrate", false, "create or update the tracks table")
	catalogCmd.Flags().StringVar(&catalogImport, "import", "", "JSON catalog file to import")
	catalogCmd.Flags().BoolVar(&catalogProbe, "probe", false, "probe each source's duration with ffprobe")
}
