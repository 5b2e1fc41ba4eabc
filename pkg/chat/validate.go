package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// 默认消息长度范围（按字符计，去除首尾空白后）。
const (
	DefaultMinLength = 1
	DefaultMaxLength = 2000
)

// ValidationError 描述入站消息不合法的原因，文案可直接展示给用户。
type ValidationError struct {
	Reason string
}

// Error 实现 error 接口。
func (e *ValidationError) Error() string {
	return e.Reason
}

// Validator 是纯函数式的长度校验器。
type Validator struct {
	MinLength int
	MaxLength int
}

// NewValidator 创建校验器，非正值回退为默认范围。
func NewValidator(minLen, maxLen int) Validator {
	if minLen <= 0 {
		minLen = DefaultMinLength
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	if maxLen < minLen {
		maxLen = minLen
	}
	return Validator{MinLength: minLen, MaxLength: maxLen}
}

// Validate 在 [MinLength, MaxLength] 范围内返回 nil，否则返回 *ValidationError。
func (v Validator) Validate(text string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	switch {
	case n == 0:
		return &ValidationError{Reason: "message cannot be empty"}
	case n < v.MinLength:
		return &ValidationError{Reason: fmt.Sprintf("message must be at least %d characters", v.MinLength)}
	case n > v.MaxLength:
		return &ValidationError{Reason: fmt.Sprintf("message is too long (max %d characters)", v.MaxLength)}
	}
	return nil
}
