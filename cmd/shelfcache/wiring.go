package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/shelfcache-project/shelfcache/internal/config"
	"github.com/shelfcache-project/shelfcache/internal/download"
	"github.com/shelfcache-project/shelfcache/internal/library"
	"github.com/shelfcache-project/shelfcache/internal/logger"
	"github.com/shelfcache-project/shelfcache/internal/server"
	"github.com/shelfcache-project/shelfcache/internal/storage"
)

// components shared by serve and fetch
type components struct {
	storage   *storage.Manager
	downloads *download.Manager
	library   *library.Client
}

func downloadConfig(cfg *config.Config) download.DownloadConfig {
	d := cfg.Download
	return download.DownloadConfig{
		SpeedSmoothingFactor: d.SpeedSmoothingFactor,
		MinSamplesForEta:     d.MinSamplesForEta,
		ProgressDebounce:     d.ProgressDebounce(),
		ProgressInterval:     d.ProgressInterval(),
		Directory:            d.Directory,
		EventBuffer:          d.EventBuffer,
		SubscriberBuffer:     d.SubscriberBuffer,
	}
}

func transportConfig(cfg *config.Config) download.TransportConfig {
	return download.TransportConfig{
		Timeout:        cfg.Download.TimeoutDuration(),
		ChunkSize:      cfg.Download.ChunkSize,
		RateLimit:      cfg.Download.RateLimit,
		UserAgent:      cfg.Download.UserAgent,
		Token:          cfg.Library.Token,
		ReportInterval: cfg.Download.ProgressInterval(),
	}
}

// newLibraryClient returns nil without error when no media server is configured
func newLibraryClient(cfg *config.Config) (*library.Client, error) {
	client, err := library.NewClient(library.Config{
		ServerURL:        cfg.Library.ServerURL,
		Token:            cfg.Library.Token,
		Timeout:          time.Duration(cfg.Library.Timeout) * time.Second,
		ProbeConcurrency: cfg.Library.ProbeConcurrency,
		UserAgent:        cfg.Download.UserAgent,
	})
	if errors.Is(err, library.ErrNotConfigured) {
		return nil, nil
	}
	return client, err
}

func buildComponents(cfg *config.Config) (*components, error) {
	storageMgr, err := storage.NewManager(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}
	logger.Infof("存储后端: %s", storageMgr.Type())

	client, err := newLibraryClient(cfg)
	if err != nil {
		storageMgr.Close()
		return nil, fmt.Errorf("初始化媒体服务器客户端失败: %w", err)
	}
	if client == nil {
		logger.Info("未配置媒体服务器，仅支持显式文件列表")
	}

	downloads := download.NewManager(
		downloadConfig(cfg),
		download.NewHTTPTransport(transportConfig(cfg)),
		download.WithPersistence(server.PersistTo(storageMgr.GetStore())),
	)

	return &components{storage: storageMgr, downloads: downloads, library: client}, nil
}

// close pauses live downloads and then closes storage, so pending records are written first
func (c *components) close() error {
	return errors.Join(c.downloads.Close(), c.storage.Close())
}
