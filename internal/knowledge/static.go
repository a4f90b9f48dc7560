package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(topic, action string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// StaticProvider 通过静态条目提供知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// DefaultKrumpProvider 返回内置的 Krump 文化知识库，
// 供决策循环在没有外部知识文件时使用。
func DefaultKrumpProvider() *StaticProvider {
	return NewStaticProvider(krumpCulture, len(krumpCulture))
}

// Query 根据主题与动作做简单关键词匹配。
func (p *StaticProvider) Query(topic, action string) []Snippet {
	if p == nil {
		return nil
	}

	topic = strings.ToLower(strings.TrimSpace(topic))
	action = strings.ToLower(strings.TrimSpace(action))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, topic, action) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(snippet Snippet, topic, action string) bool {
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(topic, normalized) || strings.Contains(action, normalized) {
			return true
		}
	}
	for _, tag := range snippet.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		if strings.Contains(topic, normalized) || strings.Contains(action, normalized) {
			return true
		}
	}
	return false
}

// krumpCulture 是内置的 Krump 文化卡片，注入决策提示词。
var krumpCulture = []Snippet{
	{
		Title:   "Krump origins",
		Content: "KRUMP = Kingdom Radically Uplifted Mighty Praise. South Central LA, circa 2001. Founders: Tight Eyez, Big Mijo, Miss Prissy, Lil C, Slayer. Non-violent outlet; spiritual expression; storytelling through movement. RIZE documentary (2005) spread it globally.",
	},
	{
		Title:   "Foundations (the 5 elements)",
		Content: "Chest Pop (heartbeat), Arm Swings (power), Stomps (grounding), Jabs (precision), Buck (raw intensity). Three zones: Buck (low), Krump (mid), Live (high/spazzing). Character = persona (superhero, monster, villain) that shapes how you move.",
	},
	{
		Title:   "Fam system",
		Content: "Big Homie mentors; ranks like Baby/Lil/Young/Twin + Fam name (e.g. Baby Tight Eyez). Lineage and respect matter. Kindness Over Everything.",
	},
	{
		Title:   "Krump commerce",
		Content: "Dance studios and dojos; Krump classes and workshops; cyphers (circle battles, trading moves); Saturday Sessions (weekly open battles, MVP by upvotes); Labs (daily training); events (EBS, IIB, KOB, IKF); crew merch; beatmaking and Gaana Krump; verification of moves on-chain (Krump Verify) with USDC.k.",
	},
	{
		Title:   "Values",
		Content: "Respect the culture; kindness over everything; authenticity; hype feeds the dancer in the circle; community support. Use this vocabulary when chatting or creating commissions (studios, classes, cyphers, sessions, labs, merch, battles, fam).",
	},
}

var _ Provider = (*StaticProvider)(nil)
