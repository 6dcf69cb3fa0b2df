package coedit

import (
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMapperUpgrade(t *testing.T) {
	mapper := NewSharedResourceMapper()
	project := NewMemoryProject("p")

	assert.Equal(t, mapper.AddProject("p", project, true), nil)
	assert.Equal(t, mapper.IsPartiallyShared(project), true)

	// partially to completely shared is an upgrade
	assert.Equal(t, mapper.AddProject("p", project, false), nil)
	assert.Equal(t, mapper.IsCompletelyShared(project), true)
	assert.Equal(t, mapper.IsPartiallyShared(project), false)
	assert.Equal(t, mapper.PartiallySharedResources(project) == nil, true)
}

func TestMapperDowngrade(t *testing.T) {
	mapper := NewSharedResourceMapper()
	project := NewMemoryProject("p")

	assert.Equal(t, mapper.AddProject("p", project, false), nil)
	err := mapper.AddProject("p", project, true)
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)
	// unchanged
	assert.Equal(t, mapper.IsCompletelyShared(project), true)

	// adding again with the same sharing is a no-op
	assert.Equal(t, mapper.AddProject("p", project, false), nil)
	assert.Equal(t, mapper.Size(), 1)
}

func TestMapperBindings(t *testing.T) {
	mapper := NewSharedResourceMapper()
	a := NewMemoryProject("a")
	b := NewMemoryProject("b")

	assert.Equal(t, errors.Is(mapper.AddProject("", a, false), ErrInvalidArgument), true)
	assert.Equal(t, errors.Is(mapper.AddProject("a", nil, false), ErrInvalidArgument), true)

	assert.Equal(t, mapper.AddProject("a", a, false), nil)
	assert.Equal(t, errors.Is(mapper.AddProject("a2", a, false), ErrIllegalState), true)
	assert.Equal(t, errors.Is(mapper.AddProject("a", b, false), ErrIllegalState), true)
	assert.Equal(t, mapper.AddProject("b", b, true), nil)

	assert.Equal(t, mapper.ProjectIds(), []string{"a", "b"})
	assert.Equal(t, len(mapper.Projects()), 2)
	assert.Equal(t, mapper.Project("a"), Project(a))
	assert.Equal(t, mapper.Project("c") == nil, true)
	assert.Equal(t, mapper.ProjectId(b), "b")

	ref, err := mapper.ResourceRef(a.RequireResource("x/y.txt"))
	assert.Equal(t, err, nil)
	assert.Equal(t, ref, ResourceRef{ProjectId: "a", Path: "x/y.txt"})
	resource, err := mapper.Resolve(ref)
	assert.Equal(t, err, nil)
	assert.Equal(t, resource, Resource(a.RequireResource("x/y.txt")))

	_, err = mapper.ResourceRef(NewMemoryProject("c").RequireResource("z"))
	assert.Equal(t, errors.Is(err, ErrNotShared), true)
	_, err = mapper.Resolve(ResourceRef{ProjectId: "c", Path: "z"})
	assert.Equal(t, errors.Is(err, ErrNotShared), true)

	mapper.RemoveProject("a")
	assert.Equal(t, mapper.IsCompletelyShared(a), false)
	assert.Equal(t, mapper.ProjectId(a), "")
	assert.Equal(t, mapper.ProjectIds(), []string{"b"})

	mapper.Clear()
	assert.Equal(t, mapper.Size(), 0)
}

func TestMapperIsShared(t *testing.T) {
	mapper := NewSharedResourceMapper()
	full := NewMemoryProject("full", "bin")
	partial := NewMemoryProject("partial", "bin")

	assert.Equal(t, mapper.IsShared(full.RequireResource("src/a.txt")), false)

	assert.Equal(t, mapper.AddProject("full", full, false), nil)
	assert.Equal(t, mapper.AddProject("partial", partial, true), nil)

	// derived resources are never shared implicitly
	assert.Equal(t, mapper.IsShared(full.RequireResource("src/a.txt")), true)
	assert.Equal(t, mapper.IsShared(full.RequireResource("bin/a.o")), false)

	assert.Equal(t, mapper.IsShared(partial.RequireResource("src/a.txt")), false)
	err := mapper.AddResources(partial, []Resource{
		partial.RequireResource("src"),
		partial.RequireResource("bin/keep.o"),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, mapper.IsShared(partial.RequireResource("src")), true)
	assert.Equal(t, mapper.IsShared(partial.RequireResource("src/a/b.txt")), true)
	assert.Equal(t, mapper.IsShared(partial.RequireResource("other.txt")), false)
	// explicitly listed wins over derived
	assert.Equal(t, mapper.IsShared(partial.RequireResource("bin/keep.o")), true)
	assert.Equal(t, mapper.IsShared(partial.RequireResource("bin/other.o")), false)
	assert.Equal(t, mapper.PartiallySharedResources(partial), []string{"bin/keep.o", "src"})

	err = mapper.RemoveAndAddResources(
		partial,
		[]Resource{partial.RequireResource("src")},
		[]Resource{partial.RequireResource("other.txt")},
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, mapper.IsShared(partial.RequireResource("src/a.txt")), false)
	assert.Equal(t, mapper.IsShared(partial.RequireResource("other.txt")), true)
}

func TestMapperResourceMutation(t *testing.T) {
	mapper := NewSharedResourceMapper()
	full := NewMemoryProject("full")
	partial := NewMemoryProject("partial")
	unknown := NewMemoryProject("unknown")

	assert.Equal(t, mapper.AddProject("full", full, false), nil)
	assert.Equal(t, mapper.AddProject("partial", partial, true), nil)

	// resource lists exist only for partially shared projects
	err := mapper.AddResources(full, []Resource{full.RequireResource("a")})
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)
	err = mapper.AddResources(unknown, []Resource{unknown.RequireResource("a")})
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)
	err = mapper.RemoveResources(full, []Resource{full.RequireResource("a")})
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)

	// a bad resource rejects the whole change
	err = mapper.AddResources(partial, []Resource{
		partial.RequireResource("a"),
		full.RequireResource("b"),
	})
	assert.Equal(t, errors.Is(err, ErrInvalidArgument), true)
	assert.Equal(t, mapper.IsShared(partial.RequireResource("a")), false)
	assert.Equal(t, len(mapper.PartiallySharedResources(partial)), 0)
}

func TestMapperConcurrentMutation(t *testing.T) {
	// readers see the whole change or none of it
	mapper := NewSharedResourceMapper()
	project := NewMemoryProject("p")
	assert.Equal(t, mapper.AddProject("p", project, true), nil)

	a := project.RequireResource("a")
	b := project.RequireResource("b")
	assert.Equal(t, mapper.AddResources(project, []Resource{a}), nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i += 1 {
			if i%2 == 0 {
				mapper.RemoveAndAddResources(project, []Resource{a}, []Resource{b})
			} else {
				mapper.RemoveAndAddResources(project, []Resource{b}, []Resource{a})
			}
		}
	}()

	for i := 0; i < 1000; i += 1 {
		paths := mapper.PartiallySharedResources(project)
		assert.Equal(t, len(paths), 1)
	}
	wg.Wait()
}
