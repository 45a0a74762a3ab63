package summarizer

import (
	"strings"
	"time"
)

// Bullet 要点，可嵌套
type Bullet struct {
	Text     string   `json:"text"`
	Children []Bullet `json:"children,omitempty"`
}

// Topic 章节下的一个主题
type Topic struct {
	Title   string   `json:"title"`
	Bullets []Bullet `json:"bullets"`
}

// Section 纪要章节，如 Attendees、Notes、Next Steps
type Section struct {
	Name   string  `json:"name"`
	Topics []Topic `json:"topics"`
}

// Document 模型返回的完整纪要
type Document struct {
	Sections []Section `json:"sections"`
}

// Snapshot 某一版纪要，发布后不可修改
type Snapshot struct {
	Document
	Revision  int       `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
	Covered   int       `json:"covered"` // 已纳入纪要的定稿转写条数
}

// Empty 是否还没有任何内容
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Sections) == 0
}

// BulletCount 要点总数（含子要点）
func (d Document) BulletCount() int {
	n := 0
	for _, s := range d.Sections {
		for _, t := range s.Topics {
			n += countBullets(t.Bullets)
		}
	}
	return n
}

func countBullets(bullets []Bullet) int {
	n := len(bullets)
	for _, b := range bullets {
		n += countBullets(b.Children)
	}
	return n
}

// Normalize 去掉空白要点、空主题与空章节
func (d Document) Normalize() Document {
	var out Document
	for _, s := range d.Sections {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			continue
		}
		var topics []Topic
		for _, t := range s.Topics {
			bullets := normalizeBullets(t.Bullets)
			if len(bullets) == 0 {
				continue
			}
			topics = append(topics, Topic{Title: strings.TrimSpace(t.Title), Bullets: bullets})
		}
		if len(topics) == 0 {
			continue
		}
		out.Sections = append(out.Sections, Section{Name: name, Topics: topics})
	}
	return out
}

func normalizeBullets(bullets []Bullet) []Bullet {
	var out []Bullet
	for _, b := range bullets {
		text := strings.TrimSpace(b.Text)
		children := normalizeBullets(b.Children)
		if text == "" && len(children) == 0 {
			continue
		}
		out = append(out, Bullet{Text: text, Children: children})
	}
	return out
}
