package recipepath_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/segmentfault/zkrecipes/internal/recipepath"
)

func TestJoin(t *testing.T) {
	assert.Equal(t, "/a/b", recipepath.Join("/a", "b"))
	assert.Equal(t, "/a/b", recipepath.Join("/a/", "b"))
}

func TestLeaf(t *testing.T) {
	assert.Equal(t, "b", recipepath.Leaf("/a/b"))
	assert.Equal(t, "a", recipepath.Leaf("a"))
}

func TestMemberPattern(t *testing.T) {
	pattern := recipepath.MemberPattern("member_")
	assert.True(t, pattern.MatchString("member_0000000001"))
	assert.False(t, pattern.MatchString("member_abc"))
	assert.False(t, pattern.MatchString("other_0000000001"))

	quoted := recipepath.MemberPattern("a.b+")
	assert.True(t, quoted.MatchString("a.b+12"))
	assert.False(t, quoted.MatchString("aXb+12"))
}
