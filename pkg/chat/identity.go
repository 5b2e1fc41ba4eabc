package chat

import "strings"

// NormalizeIdentity 规范化身份地址（去空白、统一小写），作为所有租户键的一部分。
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// TruncateIdentity 返回适合写入日志的缩略身份，例如 0x1234…cdef。
func TruncateIdentity(identity string) string {
	runes := []rune(identity)
	if len(runes) <= 12 {
		return identity
	}
	return string(runes[:6]) + "…" + string(runes[len(runes)-4:])
}
