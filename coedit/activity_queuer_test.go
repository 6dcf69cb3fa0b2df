package coedit

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func selection(sourceId Id, ref ResourceRef, offset int) TextSelectionActivity {
	return TextSelectionActivity{
		ActivityHeader: ActivityHeader{SourceId: sourceId},
		ResourceHeader: ResourceHeader{Ref: ref},
		Offset:         offset,
	}
}

func viewport(sourceId Id, ref ResourceRef, startLine int) ViewportActivity {
	return ViewportActivity{
		ActivityHeader: ActivityHeader{SourceId: sourceId},
		ResourceHeader: ResourceHeader{Ref: ref},
		StartLine:      startLine,
		LineCount:      40,
	}
}

func TestOptimize(t *testing.T) {
	aId := NewId()
	bId := NewId()
	x := ResourceRef{ProjectId: "p", Path: "x.txt"}
	y := ResourceRef{ProjectId: "p", Path: "y.txt"}

	edit := NewTextEditActivity(aId, x, Insert{Position: 0, Text: "a"}, JupiterVectorTime{})

	activities := []Activity{
		selection(aId, x, 1),
		viewport(aId, x, 1),
		edit,
		selection(aId, x, 2),
		selection(bId, x, 3),
		selection(aId, y, 4),
		viewport(aId, x, 2),
	}
	optimized := Optimize(activities)
	assert.Equal(t, optimized, []Activity{
		edit,
		selection(aId, x, 2),
		selection(bId, x, 3),
		selection(aId, y, 4),
		viewport(aId, x, 2),
	})
	// the input is not modified
	assert.Equal(t, len(activities), 7)
	assert.Equal(t, activities[0], Activity(selection(aId, x, 1)))

	// idempotent
	assert.Equal(t, Optimize(optimized), optimized)

	assert.Equal(t, len(Optimize([]Activity{})), 0)
}

func TestQueuerProjectQueuing(t *testing.T) {
	aId := NewId()
	p := ResourceRef{ProjectId: "p", Path: "x.txt"}
	q := ResourceRef{ProjectId: "q", Path: "x.txt"}

	queuer := NewActivityQueuer()

	// nothing queued, everything passes
	activities := []Activity{selection(aId, p, 1), selection(aId, q, 1)}
	assert.Equal(t, queuer.Process(activities), activities)

	queuer.EnableQueuing("p")
	queuer.EnableQueuing("q")
	assert.Equal(t, queuer.IsQueuing("p"), true)

	permission := PermissionActivity{
		ActivityHeader: ActivityHeader{SourceId: aId},
		UserId:         aId,
		Permission:     PermissionReadOnly,
	}
	passed := queuer.Process([]Activity{
		selection(aId, p, 1),
		permission,
		selection(aId, q, 1),
		selection(aId, p, 2),
		FileActivity{
			ActivityHeader: ActivityHeader{SourceId: aId},
			ResourceHeader: ResourceHeader{Ref: ResourceRef{ProjectId: "r", Path: "y.txt"}},
			Type:           FileMoved,
			OldResource:    p,
		},
	})
	// activities without a resource are never queued
	assert.Equal(t, passed, []Activity{permission})

	released := queuer.DisableQueuing("p")
	// the move is released with p; q stays queued
	assert.Equal(t, len(released), 2)
	assert.Equal(t, released[0], Activity(selection(aId, p, 2)))
	_, ok := released[1].(FileActivity)
	assert.Equal(t, ok, true)
	assert.Equal(t, queuer.IsQueuing("p"), false)

	assert.Equal(t, queuer.DisableQueuing("q"), []Activity{selection(aId, q, 1)})
	assert.Equal(t, len(queuer.Flush()), 0)
}

func TestQueuerFlush(t *testing.T) {
	aId := NewId()
	p := ResourceRef{ProjectId: "p", Path: "x.txt"}

	queuer := NewActivityQueuer()
	queuer.Enqueue(selection(aId, p, 1))
	queuer.Enqueue(selection(aId, p, 2))
	assert.Equal(t, queuer.Flush(), []Activity{selection(aId, p, 2)})
	assert.Equal(t, len(queuer.Flush()), 0)

	queuer.EnableQueuing("p")
	queuer.Process([]Activity{selection(aId, p, 3)})
	queuer.Clear()
	assert.Equal(t, queuer.IsQueuing("p"), false)
	assert.Equal(t, len(queuer.Flush()), 0)
}
