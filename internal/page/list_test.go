package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makePages(n int) []*Page {
	pages := make([]*Page, n)
	for i := range pages {
		pages[i] = &Page{}
		pages[i].Init(Paddr(i * Size))
	}
	return pages
}

func paddrs(l *List) []Paddr {
	var out []Paddr
	l.ForEach(func(p *Page) bool {
		out = append(out, p.Paddr())
		return true
	})
	return out
}

func TestList_PushPop(t *testing.T) {
	var l List
	pages := makePages(3)

	assert.True(t, l.Empty())
	assert.Nil(t, l.PopHead())

	l.PushTail(pages[0])
	l.PushTail(pages[1])
	l.PushHead(pages[2])
	assert.Equal(t, uint64(3), l.Len())
	assert.Equal(t, []Paddr{2 * Size, 0, Size}, paddrs(&l))

	assert.True(t, pages[0].InList())
	assert.True(t, pages[0].OnList(&l))

	p := l.PopHead()
	require.NotNil(t, p)
	assert.Equal(t, pages[2], p)
	assert.False(t, p.InList())

	p = l.PopTail()
	assert.Equal(t, pages[1], p)
	assert.Equal(t, uint64(1), l.Len())
}

func TestList_Remove(t *testing.T) {
	var l List
	pages := makePages(4)
	for _, p := range pages {
		l.PushTail(p)
	}

	l.Remove(pages[1])
	assert.Equal(t, []Paddr{0, 2 * Size, 3 * Size}, paddrs(&l))

	// Removing head and tail must fix both ends.
	l.Remove(pages[0])
	l.Remove(pages[3])
	assert.Equal(t, []Paddr{2 * Size}, paddrs(&l))
	assert.Equal(t, pages[2], l.PeekHead())
	assert.Equal(t, pages[2], l.PeekTail())
}

func TestList_DoubleInsertPanics(t *testing.T) {
	var l, other List
	pages := makePages(1)
	l.PushTail(pages[0])

	assert.Panics(t, func() { l.PushTail(pages[0]) })
	assert.Panics(t, func() { other.Remove(pages[0]) })
}

func TestList_Splice(t *testing.T) {
	var a, b List
	pages := makePages(5)
	a.PushTail(pages[0])
	a.PushTail(pages[1])
	b.PushTail(pages[2])
	b.PushTail(pages[3])
	b.PushTail(pages[4])

	t.Run("splice head preserves order", func(t *testing.T) {
		a.SpliceHead(&b)
		assert.True(t, b.Empty())
		assert.Equal(t, []Paddr{2 * Size, 3 * Size, 4 * Size, 0, Size}, paddrs(&a))
		for _, p := range pages {
			assert.True(t, p.OnList(&a))
		}
	})

	t.Run("splice tail preserves order", func(t *testing.T) {
		var c List
		c.SpliceTail(&a)
		assert.True(t, a.Empty())
		assert.Equal(t, []Paddr{2 * Size, 3 * Size, 4 * Size, 0, Size}, paddrs(&c))
	})
}

func TestList_Detach(t *testing.T) {
	var l List
	pages := makePages(2)
	l.PushTail(pages[0])

	assert.Equal(t, &l, pages[0].Detach())
	assert.False(t, pages[0].InList())
	assert.Nil(t, pages[1].Detach())
}
