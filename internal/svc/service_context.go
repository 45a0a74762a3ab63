package svc

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/fachebot/meeting-scribe/internal/config"
	"github.com/fachebot/meeting-scribe/internal/llm"
	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/fachebot/meeting-scribe/internal/metrics"
	"github.com/fachebot/meeting-scribe/internal/mirror"
	"github.com/fachebot/meeting-scribe/internal/model"
	"github.com/fachebot/meeting-scribe/internal/summarizer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/proxy"
)

type ServiceContext struct {
	Config         *config.Config
	DbClient       *sql.DB
	TransportProxy *http.Transport
	NetDial        func(network, addr string) (net.Conn, error)
	SessionModel   *model.SessionModel
	SegmentModel   *model.SegmentModel
	SummaryModel   *model.SummaryModel
	LLMClient      *llm.Client
	Summarizer     *summarizer.Summarizer
	Registry       *prometheus.Registry
	Metrics        *metrics.Metrics
	Mirror         *mirror.Mirror
}

func NewServiceContext(c *config.Config) *ServiceContext {
	svcCtx := &ServiceContext{Config: c}

	// 创建数据库连接
	if c.Output.Database != "" {
		db, err := model.Open(context.Background(), c.Output.Database)
		if err != nil {
			logger.Fatalf("打开数据库失败, %v", err)
		}
		svcCtx.DbClient = db
		svcCtx.SessionModel = model.NewSessionModel(db)
		svcCtx.SegmentModel = model.NewSegmentModel(db)
		svcCtx.SummaryModel = model.NewSummaryModel(db)
	}

	// 创建SOCKS5代理，LLM 与识别流共用
	if c.Sock5Proxy.Enable {
		socks5Proxy := fmt.Sprintf("%s:%d", c.Sock5Proxy.Host, c.Sock5Proxy.Port)
		dialer, err := proxy.SOCKS5("tcp", socks5Proxy, nil, proxy.Direct)
		if err != nil {
			logger.Fatalf("创建SOCKS5代理失败, %v", err)
		}

		svcCtx.NetDial = dialer.Dial
		svcCtx.TransportProxy = &http.Transport{
			Dial:            dialer.Dial,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	// 读取纪要结构模板
	instructions, err := os.ReadFile(c.Summary.PromptTemplateFile)
	if err != nil {
		logger.Fatalf("读取纪要模板失败, %v", err)
	}
	svcCtx.LLMClient = llm.NewClient(&c.LLM, svcCtx.TransportProxy, strings.TrimSpace(string(instructions)))
	svcCtx.Summarizer = summarizer.NewSummarizer(svcCtx.LLMClient, c.Summary.Speakers)

	// 指标
	svcCtx.Registry = prometheus.NewRegistry()
	svcCtx.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svcCtx.Metrics = metrics.New(svcCtx.Registry)

	// Redis 镜像不可用时只告警
	if c.Redis.Enable {
		m := mirror.New(&c.Redis)
		if err := m.Ping(context.Background()); err != nil {
			logger.Warnf("[Mirror] 连接 Redis 失败，禁用镜像, %v", err)
			m.Close()
		} else {
			svcCtx.Mirror = m
		}
	}

	return svcCtx
}

func (svcCtx *ServiceContext) Close() {
	if svcCtx.Mirror != nil {
		if err := svcCtx.Mirror.Close(); err != nil {
			logger.Errorf("关闭 Redis 失败, %v", err)
		}
	}
	if svcCtx.DbClient != nil {
		if err := svcCtx.DbClient.Close(); err != nil {
			logger.Errorf("关闭数据库失败, %v", err)
		}
	}
}
