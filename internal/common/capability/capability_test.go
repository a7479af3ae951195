package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEmptyEnablesAll(t *testing.T) {
	set := Parse("")
	for _, name := range All {
		assert.True(t, set.Has(name), name)
	}
	assert.Len(t, set.Names(), len(All))
}

func TestParseList(t *testing.T) {
	set := Parse(" Core, task-pool ,MESSAGING ")
	assert.True(t, set.Has(Core))
	assert.True(t, set.Has(TaskPool))
	assert.True(t, set.Has(Messaging))
	assert.False(t, set.Has(Epics))
	assert.False(t, set.Has(Scheduling))
	assert.Equal(t, []string{Core, Messaging, TaskPool}, set.Names())
}

func TestParseIgnoresUnknown(t *testing.T) {
	set := Parse("core,frobnicate")
	assert.True(t, set.Has(Core))
	assert.False(t, set.Has("frobnicate"))
	assert.Len(t, set.Names(), 1)
}
