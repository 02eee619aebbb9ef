package repository

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Grant ids are assigned by this store rather than the caller, minted from
// a shared snowflake node rather than left to the database's default.
// Entitlement ids stay a deterministic composite of (projectId,
// subjectId, featureSlug) —
// see resolver.Resolve — because the merge-policy fixed-point property
// requires the same grant set to resolve to the same Entitlement id.
var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

func snowflakeNode() *snowflake.Node {
	nodeOnce.Do(func() {
		n, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		node = n
	})
	return node
}

func newGrantID() string {
	return snowflakeNode().Generate().String()
}
