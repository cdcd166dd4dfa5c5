package addons

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopes(t *testing.T) {
	s := NewScopes(Scope{Enabled: true, MaxBodySize: 100}, map[string]Scope{
		"quiet": {Enabled: false},
		"small": {Enabled: true, MaxBodySize: 10},
	})
	assert.Equal(t, int64(100), s.For("other").MaxBodySize)
	assert.False(t, s.For("quiet").Enabled)
	assert.Equal(t, int64(10), s.For("small").MaxBodySize)
	assert.True(t, s.Enabled())

	off := NewScopes(Scope{}, map[string]Scope{"x": {Enabled: true}})
	assert.True(t, off.Enabled())
	assert.False(t, NewScopes(Scope{}, nil).Enabled())

	var none *Scopes
	assert.False(t, none.Enabled())
	assert.False(t, none.For("any").Enabled)
}
