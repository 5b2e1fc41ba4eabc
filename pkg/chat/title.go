package chat

import (
	"strings"
	"unicode"
)

const (
	maxTitleRunes    = 50
	placeholderTitle = "New conversation"
)

// titleKeywords 按优先级排列：首个命中的关键词决定标题。
var titleKeywords = []struct {
	keywords []string
	title    string
}{
	{[]string{"mint", "minting"}, "Minting plants"},
	{[]string{"breed", "breeding", "seed", "seeds"}, "Breeding and seeds"},
	{[]string{"stake", "staking", "unstake"}, "Staking"},
	{[]string{"reward", "rewards", "claim", "airdrop"}, "Rewards and claims"},
	{[]string{"water", "watering", "fertilize", "fertilizer", "feed"}, "Plant care"},
	{[]string{"harvest", "yield", "grow", "growth"}, "Growth and harvest"},
	{[]string{"sell", "buy", "market", "marketplace", "trade", "price"}, "Marketplace"},
	{[]string{"wallet", "connect", "address", "gas", "transaction", "tx"}, "Wallet and transactions"},
	{[]string{"land", "plot", "garden"}, "Land and gardens"},
	{[]string{"quest", "mission", "leaderboard", "rank", "score"}, "Quests and leaderboard"},
}

// DeriveTitle 根据首条消息推导会话标题：
// 关键词命中 -> 预设标题；否则截断原文；原文为空 -> 占位标题。
func DeriveTitle(seed string) string {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return placeholderTitle
	}

	words := strings.FieldsFunc(strings.ToLower(seed), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	present := make(map[string]struct{}, len(words))
	for _, w := range words {
		present[w] = struct{}{}
	}
	for _, entry := range titleKeywords {
		for _, kw := range entry.keywords {
			if _, ok := present[kw]; ok {
				return entry.title
			}
		}
	}

	// 折叠空白后截断
	collapsed := strings.Join(strings.Fields(seed), " ")
	runes := []rune(collapsed)
	if len(runes) <= maxTitleRunes {
		return collapsed
	}
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}
