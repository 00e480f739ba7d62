package ingest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupWindowSeen(t *testing.T) {
	w := NewDedupWindow(100)

	assert.False(t, w.Seen("abc"))
	w.Add("abc")
	assert.True(t, w.Seen("abc"))
	assert.False(t, w.Seen("def"))
}

func TestDedupWindowIgnoresDuplicateAdds(t *testing.T) {
	w := NewDedupWindow(100)

	w.Add("abc")
	w.Add("abc")
	w.Add("abc")

	assert.Equal(t, 1, w.Size())
}

func TestDedupWindowBulkEviction(t *testing.T) {
	w := NewDedupWindow(10)

	for i := 0; i < 11; i++ {
		w.Add(fmt.Sprintf("digest-%d", i))
	}

	// Crossing the ceiling shrinks the window to half the ceiling in one
	// bulk operation, keeping the newest entries.
	assert.Equal(t, 5, w.Size())
	assert.False(t, w.Seen("digest-0"))
	assert.False(t, w.Seen("digest-5"))
	assert.True(t, w.Seen("digest-6"))
	assert.True(t, w.Seen("digest-10"))
}

func TestDedupWindowReadmitsEvicted(t *testing.T) {
	w := NewDedupWindow(10)

	for i := 0; i < 11; i++ {
		w.Add(fmt.Sprintf("digest-%d", i))
	}
	assert.False(t, w.Seen("digest-0"))

	w.Add("digest-0")
	assert.True(t, w.Seen("digest-0"))
}
