package cache

import "fmt"

// 键语义：
// - statusKey(ns, did): agent 状态 JSON（String），不存在时写空值标记防穿透
//
// 用 {} 包住 linkLanguageUUID：集群模式下同一命名空间的 key 落在同一个 slot
const keyStatusFmt = "AgentStatus:{ns:%s}:%s"

func statusKey(linkLanguageUUID, did string) string {
	return fmt.Sprintf(keyStatusFmt, linkLanguageUUID, did)
}
