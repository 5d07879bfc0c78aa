// ShelfCache - 有声书离线缓存服务
// 这是主程序入口文件
package main

import (
	"fmt"
	"os"

	"github.com/alexflint/go-arg"

	"github.com/shelfcache-project/shelfcache/internal/config"
	"github.com/shelfcache-project/shelfcache/internal/logger"
	"github.com/shelfcache-project/shelfcache/internal/version"
)

// ServeCmd runs the HTTP daemon
type ServeCmd struct {
	Host        string `arg:"--host" help:"listen address"`
	Port        int    `arg:"-p,--port" help:"listen port"`
	DownloadDir string `arg:"-d,--download-dir" help:"directory cached items are written to"`
	LibraryURL  string `arg:"--library-url" help:"media server base url"`
}

// FetchCmd downloads one library item and exits
type FetchCmd struct {
	ItemID      string   `arg:"positional,required" help:"library item id"`
	URLs        []string `arg:"-u,--url,separate" help:"file url, repeatable; skips library lookup"`
	DownloadDir string   `arg:"-d,--download-dir" help:"directory cached items are written to"`
	LibraryURL  string   `arg:"--library-url" help:"media server base url"`
	Quiet       bool     `arg:"-q,--quiet" help:"only print the final result"`
}

type args struct {
	Config   string    `arg:"-c,--config" help:"config file path"`
	LogLevel string    `arg:"--log-level" help:"debug, info, warn or error"`
	Serve    *ServeCmd `arg:"subcommand:serve" help:"run the download daemon (default)"`
	Fetch    *FetchCmd `arg:"subcommand:fetch" help:"download a single item"`
}

func (args) Description() string {
	return "ShelfCache - offline cache for audiobook libraries\n"
}

func (args) Version() string {
	return version.GetVersionInfo().FullString()
}

func (a *args) mode() string {
	if a.Fetch != nil {
		return "fetch"
	}
	return "serve"
}

func main() {
	var a args
	arg.MustParse(&a)
	os.Exit(run(&a))
}

func run(a *args) int {
	mode := a.mode()

	configMgr := config.NewManager(mode)
	if a.Config != "" {
		configMgr = config.NewManagerWithPath(mode, a.Config)
	}

	cfg, err := configMgr.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 加载配置失败: %v\n", err)
		return 1
	}
	applyOverrides(cfg, a)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return 1
	}

	// fetch prints its own progress, so stdout is left to it
	if mode == "fetch" && cfg.Log.Output == "both" {
		cfg.Log.Output = "file"
	}
	if err := logger.InitLogger(&cfg.Log, mode); err != nil {
		fmt.Fprintf(os.Stderr, "警告: 无法初始化日志系统: %v\n", err)
	}
	defer logger.GetLogger().Close()

	logger.Infof("ShelfCache %s 正在启动 (模式: %s)", version.GetVersionInfo(), mode)
	logger.Infof("配置文件: %s", configMgr.GetConfigPath())

	if a.Fetch != nil {
		return runFetch(cfg, a.Fetch)
	}
	return runServe(cfg, configMgr)
}

// applyOverrides lets command line flags win over file and environment values
func applyOverrides(cfg *config.Config, a *args) {
	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	cfg.Mode = a.mode()

	switch {
	case a.Serve != nil:
		if a.Serve.Host != "" {
			cfg.Server.Host = a.Serve.Host
		}
		if a.Serve.Port != 0 {
			cfg.Server.Port = a.Serve.Port
		}
		if a.Serve.DownloadDir != "" {
			cfg.Download.Directory = a.Serve.DownloadDir
		}
		if a.Serve.LibraryURL != "" {
			cfg.Library.ServerURL = a.Serve.LibraryURL
		}
	case a.Fetch != nil:
		if a.Fetch.DownloadDir != "" {
			cfg.Download.Directory = a.Fetch.DownloadDir
		}
		if a.Fetch.LibraryURL != "" {
			cfg.Library.ServerURL = a.Fetch.LibraryURL
		}
	}
}
