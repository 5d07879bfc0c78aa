package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shelfcache-project/shelfcache/internal/config"
	"github.com/shelfcache-project/shelfcache/internal/download"
	"github.com/shelfcache-project/shelfcache/internal/library"
	"github.com/shelfcache-project/shelfcache/internal/logger"
)

func runFetch(cfg *config.Config, cmd *FetchCmd) int {
	comps, err := buildComponents(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return 1
	}
	defer func() {
		if err := comps.close(); err != nil {
			logger.Warnf("关闭组件失败: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, title, err := fetchFiles(ctx, comps.library, cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return 1
	}
	if title != "" {
		fmt.Printf("%s (%d 个文件)\n", title, len(files))
	}

	result := fetchItem(ctx, comps.downloads, cmd.ItemID, files, progressPrinter(os.Stdout, cmd.Quiet))
	return reportResult(os.Stdout, os.Stderr, result)
}

// fetchFiles builds the file list from --url flags or the media server
func fetchFiles(ctx context.Context, client *library.Client, cmd *FetchCmd) ([]download.FileSpec, string, error) {
	if len(cmd.URLs) > 0 {
		files := make([]download.FileSpec, 0, len(cmd.URLs))
		for _, u := range cmd.URLs {
			files = append(files, download.FileSpec{URL: u})
		}
		return files, "", nil
	}
	if client == nil {
		return nil, "", fmt.Errorf("%w: 请使用 --url 或配置 library.server_url", library.ErrNotConfigured)
	}

	item, err := client.Resolve(ctx, cmd.ItemID)
	if err != nil {
		return nil, "", err
	}
	return client.ProbeSizes(ctx, item.Files), item.Title, nil
}

// fetchItem starts the task and blocks until its terminal snapshot.
// Cancelling ctx cancels the task.
func fetchItem(ctx context.Context, downloads *download.Manager, itemID string, files []download.FileSpec, onProgress func(download.DownloadProgress)) download.DownloadProgress {
	taskID, err := downloads.Start(itemID, files)
	if err != nil {
		return download.DownloadProgress{LibraryItemID: itemID, Status: download.StatusError, Error: err.Error()}
	}

	sub, err := downloads.Subscribe(taskID)
	if err != nil {
		return download.DownloadProgress{LibraryItemID: itemID, Status: download.StatusError, Error: err.Error()}
	}
	defer downloads.Unsubscribe(sub)

	var last download.DownloadProgress
	done := ctx.Done()
	for {
		select {
		case <-done:
			logger.Info("收到中断信号，正在取消下载...")
			downloads.Cancel(taskID)
			done = nil
		case p, ok := <-sub.C():
			if !ok {
				if !last.Status.IsTerminal() {
					// dropped snapshots: fall back to the manager's view
					if current, err := downloads.Get(taskID); err == nil {
						last = current
					}
				}
				return last
			}
			last = p
			if onProgress != nil {
				onProgress(p)
			}
		}
	}
}

// progressPrinter renders one status line per snapshot
func progressPrinter(w io.Writer, quiet bool) func(download.DownloadProgress) {
	if quiet {
		return nil
	}
	var lastPrint time.Time
	return func(p download.DownloadProgress) {
		if !p.Status.IsTerminal() && time.Since(lastPrint) < 500*time.Millisecond {
			return
		}
		lastPrint = time.Now()
		fmt.Fprintln(w, formatProgress(p))
	}
}

func formatProgress(p download.DownloadProgress) string {
	line := fmt.Sprintf("[%5.1f%%] %d/%d %s", p.TotalProgress*100, p.DownloadedFiles, p.TotalFiles, p.Status)
	if p.TotalBytes > 0 {
		line += fmt.Sprintf(" %s / %s", humanize.IBytes(uint64(p.BytesDownloaded)), humanize.IBytes(uint64(p.TotalBytes)))
	} else {
		line += " " + humanize.IBytes(uint64(p.BytesDownloaded))
	}
	if p.DownloadSpeed > 0 {
		line += fmt.Sprintf(" %s/s", humanize.IBytes(uint64(p.DownloadSpeed)))
	}
	if p.ETAKnown {
		line += fmt.Sprintf(" 剩余 %s", (time.Duration(p.ETASeconds) * time.Second).String())
	}
	if p.CurrentFile != "" && !p.Status.IsTerminal() {
		line += " " + p.CurrentFile
	}
	return line
}

// reportResult prints the outcome and returns the process exit code
func reportResult(stdout, stderr io.Writer, p download.DownloadProgress) int {
	switch p.Status {
	case download.StatusCompleted:
		fmt.Fprintf(stdout, "✓ %s 下载完成 (%d 个文件, %s)\n",
			p.LibraryItemID, p.TotalFiles, humanize.IBytes(uint64(p.BytesDownloaded)))
		return 0
	case download.StatusCancelled:
		fmt.Fprintf(stderr, "✗ %s 下载已取消\n", p.LibraryItemID)
		return 130
	default:
		fmt.Fprintf(stderr, "✗ %s 下载失败: %s\n", p.LibraryItemID, p.Error)
		return 1
	}
}
