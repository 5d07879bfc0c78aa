package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shelfcache-project/shelfcache/internal/config"
	"github.com/shelfcache-project/shelfcache/internal/logger"
	"github.com/shelfcache-project/shelfcache/internal/monitor"
	"github.com/shelfcache-project/shelfcache/internal/netutil"
	"github.com/shelfcache-project/shelfcache/internal/server"
	"github.com/shelfcache-project/shelfcache/internal/shutdown"
)

// lowSpaceThreshold triggers the disk monitor's warning
const lowSpaceThreshold = 1 << 30

func runServe(cfg *config.Config, configMgr *config.Manager) int {
	comps, err := buildComponents(cfg)
	if err != nil {
		logger.Errorf("启动失败: %v", err)
		return 1
	}

	disk := monitor.NewDiskMonitor(monitor.Config{
		Directory:     cfg.Download.Directory,
		LowSpaceBytes: lowSpaceThreshold,
		Logger:        logger.GetLogger(),
	})

	srv, err := server.NewServer(&server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		CORSEnabled:    cfg.Security.CORSEnabled,
		AllowedOrigins: cfg.Security.AllowedOrigins,
		DownloadDir:    cfg.Download.Directory,
	}, server.Deps{
		Downloads: comps.downloads,
		Store:     comps.storage.GetStore(),
		Library:   comps.library,
		Disk:      disk,
		Logger:    logger.GetLogger(),
	})
	if err != nil {
		logger.Errorf("创建 HTTP 服务器失败: %v", err)
		comps.close()
		return 1
	}

	// 创建优雅关闭管理器
	shutdownMgr := shutdown.NewManager(30 * time.Second)
	watchCtx, stopWatch := context.WithCancel(context.Background())

	// 1. 优先级最高：停止接受新连接并断开推送流
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		stopWatch()
		return srv.Shutdown(ctx)
	}, shutdown.PriorityCritical)

	// 2. 优先级高：暂停下载任务并等待传输退出
	shutdownMgr.Register("downloads", func(ctx context.Context) error {
		return comps.downloads.Close()
	}, shutdown.PriorityHigh)
	shutdownMgr.Register("disk-monitor", func(ctx context.Context) error {
		disk.Stop()
		return nil
	}, shutdown.PriorityHigh)

	// 3. 优先级中：关闭存储
	shutdownMgr.Register("storage", func(ctx context.Context) error {
		return comps.storage.Close()
	}, shutdown.PriorityNormal)

	// 4. 优先级低：关闭日志流
	shutdownMgr.Register("logger", func(ctx context.Context) error {
		logger.Info("日志系统已关闭")
		logger.GetLogStream().Close()
		return nil
	}, shutdown.PriorityLow)

	if err := disk.Start(); err != nil {
		logger.Warnf("磁盘监控器启动失败: %v", err)
	}
	if err := srv.Start(); err != nil {
		logger.Errorf("无法启动服务器: %v", err)
		shutdownMgr.Trigger("启动失败")
		shutdownMgr.Wait()
		return 1
	}
	shutdownMgr.Start()

	go configMgr.WatchConfig(watchCtx, 5*time.Second, func(newCfg *config.Config, err error) {
		if err != nil {
			logger.Warnf("重新加载配置失败: %v", err)
			return
		}
		logger.GetLogger().SetLevel(newCfg.Log.Level)
		logger.Infof("配置已重新加载，日志级别: %s", newCfg.Log.Level)
	})

	if comps.library != nil {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := comps.library.Ping(pingCtx); err != nil {
			logger.Warnf("媒体服务器不可用: %v", err)
		} else {
			logger.Infof("已连接媒体服务器: %s", cfg.Library.ServerURL)
		}
		cancel()
	}
	if usage, err := disk.Latest(context.Background()); err == nil {
		logger.Infof("下载目录: %s (%s)", cfg.Download.Directory, usage.Human())
	}
	if cfg.Download.RateLimit > 0 {
		logger.Infof("下载限速: %s/s", humanize.IBytes(uint64(cfg.Download.RateLimit)))
	}

	fmt.Printf("✓ HTTP 服务器已启动，监听 %s\n", srv.Addr())
	fmt.Printf("✓ 局域网地址: %s/api\n", netutil.AdvertiseURL(srv.Addr()))
	fmt.Printf("✓ 下载目录: %s\n", cfg.Download.Directory)
	if comps.library == nil {
		fmt.Println("! 未配置媒体服务器 (library.server_url)")
	}
	fmt.Println("\n按 Ctrl+C 停止服务器...")

	if err := shutdownMgr.Wait(); err != nil {
		logger.Errorf("关闭过程中出现错误: %v", err)
		return 1
	}
	logger.Info("服务器已关闭")
	return 0
}
