package list

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func values(l *List[int]) []int {
	var out []int
	l.Map(func(link *Link[int]) { out = append(out, link.GetValue()) })
	return out
}

func TestPushAndPop(t *testing.T) {
	l := NewList[int]()
	a := l.PushTail(2)
	l.PushHead(1)
	c := l.PushTail(3)
	require.Equal(t, []int{1, 2, 3}, values(l))
	require.Equal(t, 3, l.Len())

	a.PopSelf()
	assert.Equal(t, []int{1, 3}, values(l))
	assert.Nil(t, a.GetList())

	c.PopSelf()
	assert.Equal(t, []int{1}, values(l))
	assert.Equal(t, l.PeekHead(), l.PeekTail())

	l.PeekHead().PopSelf()
	assert.Nil(t, l.PeekHead())
	assert.Nil(t, l.PeekTail())
	assert.Equal(t, 0, l.Len())
}

func TestMapMayPop(t *testing.T) {
	l := NewList[int]()
	for i := 0; i < 6; i++ {
		l.PushTail(i)
	}
	l.Map(func(link *Link[int]) {
		if link.GetValue()%2 == 0 {
			link.PopSelf()
		}
	})
	assert.Equal(t, []int{1, 3, 5}, values(l))
}

func TestFind(t *testing.T) {
	l := NewList[int]()
	for i := 0; i < 4; i++ {
		l.PushTail(i * 10)
	}
	found := l.Find(func(link *Link[int]) bool { return link.GetValue() == 20 })
	require.NotNil(t, found)
	assert.Equal(t, 10, found.GetPrev().GetValue())
	assert.Equal(t, 30, found.GetNext().GetValue())
	assert.Nil(t, l.Find(func(link *Link[int]) bool { return link.GetValue() == 7 }))
}
