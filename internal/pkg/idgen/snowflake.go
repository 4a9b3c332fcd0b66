package idgen

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Initialize sets up the Snowflake ID generator with a node ID
func Initialize(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// GenerateID generates a new Snowflake ID as a string. Used for outbound
// X-Request-ID headers and browser session ids.
func GenerateID() string {
	// no-op once a node exists
	_ = Initialize(1)
	return node.Generate().String()
}
