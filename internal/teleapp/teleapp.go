package teleapp

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fachebot/meeting-scribe/internal/config"
	"github.com/fachebot/meeting-scribe/internal/logger"
	"github.com/fachebot/meeting-scribe/internal/notify"
	"github.com/fachebot/meeting-scribe/internal/summarizer"

	"github.com/zelenin/go-tdlib/client"
)

type TeleApp struct {
	config     *config.Telegram
	meeting    MeetingView
	notifier   *notify.Notifier
	user       *client.User
	tdClient   *client.Client
	listener   *client.Listener
	parameters *client.SetTdlibParametersRequest
	chatsMu    sync.RWMutex
	chatsCache map[int64]*client.Chat
	ctx        context.Context
	cancel     context.CancelFunc
	ctxMu      sync.Mutex
}

func NewApp(cfg *config.Telegram) *TeleApp {
	_, err := client.SetLogVerbosityLevel(&client.SetLogVerbosityLevelRequest{
		NewVerbosityLevel: 1,
	})
	if err != nil {
		logger.Fatalf("[TeleApp] 设置日志级别错误, %s", err)
	}

	parameters := &client.SetTdlibParametersRequest{
		UseTestDc:           false,
		DatabaseDirectory:   filepath.Join(cfg.DataDir, ".tdlib", "database"),
		FilesDirectory:      filepath.Join(cfg.DataDir, ".tdlib", "files"),
		UseFileDatabase:     true,
		UseChatInfoDatabase: true,
		UseMessageDatabase:  true,
		UseSecretChats:      false,
		ApiId:               cfg.ApiId,
		ApiHash:             cfg.ApiHash,
		SystemLanguageCode:  "en",
		DeviceModel:         "Server",
		SystemVersion:       "1.0.0",
		ApplicationVersion:  "1.0.0",
	}

	app := &TeleApp{
		config:     cfg,
		parameters: parameters,
		chatsCache: make(map[int64]*client.Chat),
	}
	return app
}

// SetMeeting 设置命令读取的会议，须在 Login 之前调用
func (app *TeleApp) SetMeeting(m MeetingView) {
	app.meeting = m
}

func (app *TeleApp) Login(options ...client.Option) (*client.User, error) {
	if app.user != nil {
		return app.user, nil
	}

	authorizer := client.ClientAuthorizer(app.parameters)
	go client.CliInteractor(authorizer)

	tdlibClient, err := client.NewClient(authorizer, options...)
	if err != nil {
		return nil, err
	}

	me, err := tdlibClient.GetMe()
	if err != nil {
		return nil, err
	}

	app.user = me
	app.tdClient = tdlibClient
	app.notifier = notify.NewNotifier(tdlibClient, app.config)

	listener := tdlibClient.GetListener()
	app.listener = listener

	app.ctxMu.Lock()
	app.ctx, app.cancel = context.WithCancel(context.Background())
	app.ctxMu.Unlock()

	go app.getUpdates(listener)

	return me, nil
}

func (app *TeleApp) Client() *client.Client {
	return app.tdClient
}

// Notifier 登录成功后可用
func (app *TeleApp) Notifier() *notify.Notifier {
	return app.notifier
}

func (app *TeleApp) Close() error {
	if app.tdClient == nil {
		return nil
	}

	app.ctxMu.Lock()
	if app.cancel != nil {
		app.cancel()
	}
	app.ctxMu.Unlock()

	if app.listener != nil {
		app.listener.Close()
	}

	_, err := app.tdClient.Close()
	return err
}

func (app *TeleApp) getChat(chatId int64) (*client.Chat, error) {
	// 先尝试读锁读取缓存
	app.chatsMu.RLock()
	chat, ok := app.chatsCache[chatId]
	app.chatsMu.RUnlock()
	if ok {
		return chat, nil
	}

	// 缓存未命中，获取数据
	chat, err := app.tdClient.GetChat(&client.GetChatRequest{ChatId: chatId})
	if err != nil {
		return nil, err
	}

	// 写锁更新缓存
	app.chatsMu.Lock()
	app.chatsCache[chatId] = chat
	app.chatsMu.Unlock()
	return chat, nil
}

func (app *TeleApp) getUpdates(listener *client.Listener) {
	app.ctxMu.Lock()
	ctx := app.ctx
	app.ctxMu.Unlock()

	for listener.IsActive() {
		select {
		case <-ctx.Done():
			logger.Infof("[TeleApp] 更新循环已取消，退出")
			return
		case update := <-listener.Updates:
			if update.GetType() != "updateNewMessage" {
				continue
			}

			// 仅处理文本消息
			updateNewMessage := update.(*client.UpdateNewMessage)
			message := updateNewMessage.Message
			if message.Content.MessageContentType() != "messageText" {
				continue
			}

			text := message.Content.(*client.MessageText)
			if text.Text == nil || text.Text.Text == "" {
				continue
			}

			if !app.allowed(message.ChatId) {
				continue
			}

			reply, ok := handleCommand(app.meeting, text.Text.Text)
			if !ok {
				continue
			}

			if chat, err := app.getChat(message.ChatId); err == nil {
				logger.Infof("[TeleApp] 收到命令: %s[%d] -> %s", chat.Title, chat.Id, text.Text.Text)
			}

			if err := app.notifier.Send(ctx, message.ChatId, reply); err != nil {
				logger.Errorf("[TeleApp] 回复命令失败, %v", err)
			}
		}
	}
}

// allowed CommandChatIds 为空时不限制
func (app *TeleApp) allowed(chatID int64) bool {
	if len(app.config.CommandChatIds) == 0 {
		return true
	}
	for _, id := range app.config.CommandChatIds {
		if id == chatID {
			return true
		}
	}
	return false
}

// NotifyNotes 未登录时忽略
func (app *TeleApp) NotifyNotes(ctx context.Context, snap *summarizer.Snapshot, startedAt time.Time) error {
	if app.notifier == nil {
		return nil
	}
	return app.notifier.NotifyNotes(ctx, snap, startedAt)
}
