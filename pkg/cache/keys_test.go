package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyHashIgnoresParamOrder(t *testing.T) {
	a := NewKey("summary", map[string]interface{}{"sheet": "Sheet1", "range": "A1:C9"})
	b := NewKey("summary", map[string]interface{}{"range": "A1:C9", "sheet": "Sheet1"})
	assert.Equal(t, a.hash(), b.hash())
}

func TestKeyHashSkipsNilParams(t *testing.T) {
	a := NewKey("summary", map[string]interface{}{"sheet": "Sheet1", "cursor": nil})
	b := NewKey("summary", map[string]interface{}{"sheet": "Sheet1"})
	assert.Equal(t, a.hash(), b.hash())
}

func TestKeyHashDistinguishesValues(t *testing.T) {
	a := NewKey("summary", map[string]interface{}{"sheet": "Sheet1"})
	b := NewKey("summary", map[string]interface{}{"sheet": "Sheet2"})
	c := NewKey("insights", map[string]interface{}{"sheet": "Sheet1"})
	assert.NotEqual(t, a.hash(), b.hash())
	assert.NotEqual(t, a.hash(), c.hash())
}

func TestKeyStringCarriesTenantNamespace(t *testing.T) {
	key := NewKey("summary", map[string]interface{}{"sheet": "Sheet1"})
	s := key.String("acme")
	assert.True(t, strings.HasPrefix(s, "sg:acme:p:"), s)
}

func TestCanonicalParamsRendering(t *testing.T) {
	got := canonicalParams(map[string]interface{}{
		"b":    2,
		"a":    "x",
		"skip": nil,
	})
	assert.Equal(t, "a=x&b=2", got)
	assert.Equal(t, "", canonicalParams(nil))
}

func TestSegmentForIsStable(t *testing.T) {
	s1 := segmentFor("tenant-a", 16)
	s2 := segmentFor("tenant-a", 16)
	assert.Equal(t, s1, s2)
	assert.GreaterOrEqual(t, s1, 0)
	assert.Less(t, s1, 16)
}
