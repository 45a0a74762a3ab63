//go:build linux
// +build linux

package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fachebot/meeting-scribe/internal/audio"
	"github.com/fachebot/meeting-scribe/internal/config"
	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/fachebot/meeting-scribe/internal/mcpserver"
	"github.com/fachebot/meeting-scribe/internal/meeting"
	"github.com/fachebot/meeting-scribe/internal/metrics"
	"github.com/fachebot/meeting-scribe/internal/session"
	"github.com/fachebot/meeting-scribe/internal/stt"
	"github.com/fachebot/meeting-scribe/internal/svc"
	"github.com/fachebot/meeting-scribe/internal/teleapp"
	"github.com/fachebot/meeting-scribe/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/zelenin/go-tdlib/client"
)

const version = "0.1.0"

var configFile = flag.String("f", "etc/config.yaml", "the config file")

func main() {
	flag.Parse()

	// 读取配置文件
	c, err := config.LoadFromFile(*configFile)
	if err != nil {
		logger.Fatalf("读取配置文件失败, %s", err)
	}
	if err := logger.Setup(c.Log.Dir, c.Log.Level); err != nil {
		logger.Fatalf("初始化日志失败, %s", err)
	}
	defer logger.Close()

	// 创建服务上下文
	svcCtx := svc.NewServiceContext(c)
	defer svcCtx.Close()

	// 音频输入
	var source audio.Source
	switch c.Audio.Source {
	case "audiosocket":
		device := audio.NewAudioSocketDevice(c.Audio.AudioSocketListen, c.Audio.ChunkFrames)
		if err := device.Listen(); err != nil {
			logger.Fatalf("[AudioSocket] 监听失败, %s", err)
		}
		logger.Infof("[AudioSocket] 等待呼叫接入, addr: %s", device.Addr())
		source = device
	default:
		source = audio.NewPortAudioDevice(c.Audio.SampleRate, c.Audio.ChunkFrames)
	}

	dialer := &stt.WebSocketDialer{
		URL:         c.Recognizer.URL,
		APIKey:      c.Recognizer.APIKey,
		Model:       c.Recognizer.Model,
		Language:    c.Recognizer.Language,
		SampleRate:  c.Audio.SampleRate,
		DialTimeout: c.Recognizer.DialTimeout(),
		NetDial:     svcCtx.NetDial,
	}

	deps := meeting.Deps{
		Config:     c,
		Source:     source,
		Dialer:     dialer,
		Summarizer: svcCtx.Summarizer,
		Metrics:    svcCtx.Metrics,
		Mirror:     svcCtx.Mirror,
	}
	if svcCtx.DbClient != nil {
		deps.Index = session.NewIndex(svcCtx.SessionModel, svcCtx.SegmentModel, svcCtx.SummaryModel)
	}

	// Telegram 推送与命令
	var app *teleapp.TeleApp
	if c.Telegram.Enable {
		app = teleapp.NewApp(&c.Telegram)
		deps.Notifier = app
	}

	// 终端界面
	var program *tea.Program
	if c.UI.Mode == "tui" {
		var sink *tui.ProgramSink
		program, sink = tui.NewProgram("Meeting Scribe")
		deps.FrameSink = sink.Frame
		deps.StatusSink = sink.Status
	}

	meetingSvc, err := meeting.NewService(deps)
	if err != nil {
		logger.Fatalf("[Meeting] 创建会话失败, %s", err)
	}

	if app != nil {
		app.SetMeeting(meetingSvc)

		options := make([]client.Option, 0)
		if c.Sock5Proxy.Enable {
			options = append(options, client.WithProxy(&client.AddProxyRequest{
				Server: c.Sock5Proxy.Host,
				Port:   c.Sock5Proxy.Port,
				Enable: c.Sock5Proxy.Enable,
				Type:   &client.ProxyTypeSocks5{},
			}))
		}

		user, err := app.Login(options...)
		if err != nil {
			logger.Fatalf("[TeleApp] 用户登录失败, %s", err)
		}
		logger.Infof("[TeleApp] 用户 <%s %s>(%d) 登录成功", user.FirstName, user.LastName, user.Id)
	}

	// 指标服务
	var metricsServer *metrics.Server
	if c.Metrics.Listen != "" {
		metricsServer, err = metrics.Listen(c.Metrics.Listen, svcCtx.Registry)
		if err != nil {
			logger.Fatalf("[Metrics] 监听失败, %s", err)
		}
		go metricsServer.Serve()
	}

	// MCP 服务
	var mcpServer *mcpserver.Server
	if c.MCP.Listen != "" {
		mcpServer = mcpserver.New(version, meetingSvc.Buffer(), meetingSvc.Scheduler(), func() any {
			return meetingSvc.Status()
		})
		if err := mcpServer.Listen(c.MCP.Listen); err != nil {
			logger.Fatalf("[MCP] 监听失败, %s", err)
		}
		go mcpServer.Serve()
	}

	// 先注册信号，等待 AudioSocket 呼叫期间也可退出
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	if err := meetingSvc.Start(context.Background()); err != nil {
		logger.Fatalf("[Meeting] 启动会话失败, %s", err)
	}

	uiDone := make(chan struct{})
	if program != nil {
		logger.SetConsoleOutput(io.Discard)
		go func() {
			defer close(uiDone)
			if _, err := program.Run(); err != nil {
				logger.Errorf("[TUI] 界面异常退出, %v", err)
			}
		}()
	}

	// 等待程序退出
	select {
	case <-ch:
	case <-uiDone:
	case <-meetingSvc.Done():
	}

	if program != nil {
		program.Quit()
		<-uiDone
		logger.SetConsoleOutput(os.Stdout)
	}

	// 优雅关闭
	logger.Infof("正在关闭服务...")
	timeout := c.Recognizer.DrainTimeout() + c.LLM.Timeout() + 10*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	meetingSvc.Shutdown(ctx)
	cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if mcpServer != nil {
		if err := mcpServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("[MCP] 关闭失败, %v", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("[Metrics] 关闭失败, %v", err)
		}
	}
	if app != nil {
		if err := app.Close(); err != nil {
			logger.Infof("[TeleApp] 关闭失败, %v", err)
		}
	}
	logger.Infof("服务已停止")
}
