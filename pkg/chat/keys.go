package chat

import (
	"sort"
	"strconv"
	"strings"
)

// 存储键布局。所有键都由 chat 包独占写入。
const (
	conversationIndexKey = "conversation-index"
	conversationPrefix   = "conversation:"
	messagePrefix        = "message:"
)

func conversationKey(identity, conversationID string) string {
	return conversationPrefix + identity + ":" + conversationID
}

func activePointerKey(identity string) string {
	return "conversation-active-pointer:" + identity
}

// conversationIDKey 把会话 ID 映射到记录键，删除与查询只凭 ID 即可定位。
func conversationIDKey(conversationID string) string {
	return "conversation-id:" + conversationID
}

func orderKey(conversationID string) string {
	return "conversation-message-order:" + conversationID
}

func migrationLockKey(conversationID string) string {
	return "conversation-order-migration:" + conversationID
}

// messageKey 内嵌会话 ID、毫秒时间戳与消息 ID，同一毫秒内也不会冲突。
func messageKey(conversationID string, unixMillis int64, messageID string) string {
	return messagePrefix + conversationID + ":" + strconv.FormatInt(unixMillis, 10) + ":" + messageID
}

func messagePattern(conversationID string) string {
	return messagePrefix + conversationID + ":*"
}

// parseMessageKey 从消息键中解析出时间戳与消息 ID。
func parseMessageKey(key string) (unixMillis int64, messageID string, ok bool) {
	rest := strings.TrimPrefix(key, messagePrefix)
	idSep := strings.LastIndex(rest, ":")
	if idSep <= 0 {
		return 0, "", false
	}
	messageID = rest[idSep+1:]
	rest = rest[:idSep]
	tsSep := strings.LastIndex(rest, ":")
	if tsSep <= 0 {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(rest[tsSep+1:], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ts, messageID, true
}

// ownerFromRecordKey 从 conversation:{identity}:{id} 中取出 identity。
func ownerFromRecordKey(recordKey, conversationID string) string {
	owner := strings.TrimPrefix(recordKey, conversationPrefix)
	return strings.TrimSuffix(owner, ":"+conversationID)
}

// sortMessageKeys 按内嵌时间戳升序排序，时间戳相同按消息 ID；无法解析的键排在最后。
func sortMessageKeys(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		ti, idi, oki := parseMessageKey(keys[i])
		tj, idj, okj := parseMessageKey(keys[j])
		switch {
		case oki && !okj:
			return true
		case !oki && okj:
			return false
		case !oki && !okj:
			return keys[i] < keys[j]
		case ti != tj:
			return ti < tj
		default:
			return idi < idj
		}
	})
}
