package id

import (
	"hash/crc32"

	"github.com/bwmarrin/snowflake"
)

// snowflakeNodes snowflake默认节点号是10位
const snowflakeNodes = 1024

type Generator interface {
	Generate() int64
}

type generator struct {
	node *snowflake.Node
}

// NewGenerator 节点号由实例名(pod名)哈希到10位空间得出，
// 副本之间不需要协调就能错开。
func NewGenerator(instance string) (Generator, error) {
	nodeID := int64(crc32.ChecksumIEEE([]byte(instance)) % snowflakeNodes)
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &generator{
		node: node,
	}, nil
}

func (g *generator) Generate() int64 {
	return g.node.Generate().Int64()
}
