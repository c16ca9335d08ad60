package eventbus

import (
	"strings"

	"github.com/BaSui01/agentfleet/types"
)

// validatePattern 校验订阅模式："*" 只允许出现在末尾
func validatePattern(pattern string) error {
	if pattern == "" {
		return types.NewValidationError("subscription pattern must not be empty")
	}
	if i := strings.IndexByte(pattern, '*'); i >= 0 && i != len(pattern)-1 {
		return types.NewValidationError("wildcard must be the last character of pattern %q", pattern)
	}
	return nil
}

// topicNamespace 返回 topic 的命名空间（首个 ':' 或 '.' 之前的部分），用于指标标签
func topicNamespace(topic string) string {
	if i := strings.IndexAny(topic, ":."); i > 0 {
		return topic[:i]
	}
	return topic
}
