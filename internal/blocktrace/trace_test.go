package blocktrace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrace_CanonicalizeIsOrderIndependent(t *testing.T) {
	t1 := Trace{PipelineHash: "h", Events: []Event{
		{Kind: EventSucceeded, TaskID: 2, BlockID: 0},
		{Kind: EventAcquired, TaskID: 1, BlockID: 1},
		{Kind: EventAcquired, TaskID: 1, BlockID: 0},
	}}
	t2 := Trace{PipelineHash: "h", Events: []Event{
		{Kind: EventAcquired, TaskID: 1, BlockID: 0},
		{Kind: EventAcquired, TaskID: 1, BlockID: 1},
		{Kind: EventSucceeded, TaskID: 2, BlockID: 0},
	}}

	h1, err := t1.Hash()
	require.NoError(t, err)
	h2, err := t2.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestTrace_HashChangesWithContent(t *testing.T) {
	t1 := Trace{PipelineHash: "h", Events: []Event{{Kind: EventAcquired, TaskID: 1, BlockID: 0}}}
	t2 := Trace{PipelineHash: "h", Events: []Event{{Kind: EventFailed, TaskID: 1, BlockID: 0}}}

	h1, err := t1.Hash()
	require.NoError(t, err)
	h2, err := t2.Hash()
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestTrace_ValidateRejectsMissingPipelineHash(t *testing.T) {
	tr := Trace{Events: []Event{{Kind: EventAcquired, TaskID: 1, BlockID: 0}}}
	require.Error(t, tr.Validate())
}

func TestRecorder_TraceReflectsAllRecordedEvents(t *testing.T) {
	r := NewRecorder()
	r.Record(Event{Kind: EventAcquired, TaskID: 1, BlockID: 0})
	r.Record(Event{Kind: EventSucceeded, TaskID: 1, BlockID: 0})

	tr := r.Trace("h")
	require.Len(t, tr.Events, 2)
	require.Equal(t, "h", tr.PipelineHash)
}

func TestNopSink_DiscardsEvents(t *testing.T) {
	var s Sink = NopSink{}
	require.NotPanics(t, func() {
		s.Record(Event{Kind: EventAcquired, TaskID: 1, BlockID: 0})
	})
}
