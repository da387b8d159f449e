package store

import "fmt"

// 键语义：
// - docKey(coll,id):     文档内容（String，JSON）
// - collKey(coll):       集合成员索引（Set<id>）
// - notifyChannel(coll): 变更通知频道，payload 为文档ID
//
// 同一集合的键都用 {coll} 作为 hash tag，保证 Lua 脚本在 cluster 下落在同一个 slot

const (
	keyDocFmt        = "coord:doc:{%s}:%s"
	keyCollFmt       = "coord:coll:{%s}"
	keyNotifyChanFmt = "coord:notify:{%s}"
)

func docKey(key Key) string                 { return fmt.Sprintf(keyDocFmt, key.Collection, key.ID) }
func collKey(collection string) string      { return fmt.Sprintf(keyCollFmt, collection) }
func notifyChannel(collection string) string { return fmt.Sprintf(keyNotifyChanFmt, collection) }
