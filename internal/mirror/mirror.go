package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fachebot/meeting-scribe/internal/config"
	"github.com/fachebot/meeting-scribe/internal/session"
	"github.com/fachebot/meeting-scribe/internal/summarizer"
	"github.com/fachebot/meeting-scribe/internal/transcript"

	redis "github.com/redis/go-redis/v9"
)

const opTimeout = 800 * time.Millisecond

// Event 发布到 <prefix>events 频道的消息
type Event struct {
	Type      string `json:"type"` // "transcript" / "notes" / "session"
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq,omitempty"`
	Count     int    `json:"count,omitempty"`
	Revision  int    `json:"revision,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Mirror 把定稿转写与纪要同步到 Redis，供外部实时读取
type Mirror struct {
	client *redis.Client
	prefix string
}

func New(c *config.Redis) *Mirror {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	return &Mirror{client: client, prefix: c.Prefix}
}

// Ping 检查连接
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *Mirror) Close() error {
	return m.client.Close()
}

func (m *Mirror) sessionKey(sessionID, kind string) string {
	return fmt.Sprintf("%s%s:%s", m.prefix, sessionID, kind)
}

func (m *Mirror) eventsChannel() string {
	return m.prefix + "events"
}

// Begin 写入会话元信息
func (m *Mirror) Begin(ctx context.Context, sess *session.Session) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(Event{Type: "session", SessionID: sess.ID, Status: "in_progress"})
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.sessionKey(sess.ID, "meta"),
		"started_at", sess.StartedAt.Format(time.RFC3339),
		"transcript_path", sess.TranscriptPath,
		"notes_path", sess.NotesPath,
		"status", "in_progress",
	)
	pipe.Publish(ctx, m.eventsChannel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis begin %s: %w", sess.ID, err)
	}
	return nil
}

// End 更新会话状态
func (m *Mirror) End(ctx context.Context, sess *session.Session, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(Event{Type: "session", SessionID: sess.ID, Status: status})
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.sessionKey(sess.ID, "meta"), "status", status)
	pipe.Publish(ctx, m.eventsChannel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis end %s: %w", sess.ID, err)
	}
	return nil
}

func (m *Mirror) TranscriptAppended(ctx context.Context, sess *session.Session, first int, events []transcript.Event) error {
	if len(events) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	lines := make([]any, 0, len(events))
	for _, ev := range events {
		lines = append(lines, transcript.FormatLine(ev))
	}
	payload, err := json.Marshal(Event{Type: "transcript", SessionID: sess.ID, Seq: first, Count: len(events)})
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, m.sessionKey(sess.ID, "transcript"), lines...)
	pipe.Publish(ctx, m.eventsChannel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis RPUSH %s: %w", m.sessionKey(sess.ID, "transcript"), err)
	}
	return nil
}

func (m *Mirror) NotesReplaced(ctx context.Context, sess *session.Session, snap *summarizer.Snapshot, markdown string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(Event{Type: "notes", SessionID: sess.ID, Revision: snap.Revision})
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.sessionKey(sess.ID, "notes"), markdown, 0)
	pipe.Publish(ctx, m.eventsChannel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis SET %s: %w", m.sessionKey(sess.ID, "notes"), err)
	}
	return nil
}
