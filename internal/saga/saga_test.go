package saga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adx-core/woc/internal/core"
	eventlogmem "github.com/adx-core/woc/internal/eventlog/memory"
	"github.com/adx-core/woc/internal/payload"
	taskqueuemem "github.com/adx-core/woc/internal/taskqueue/memory"
)

const testWorkflowID = "wf-saga"
const testRunID = "run-1"
const testQueue = "saga-queue"

func registeredHistory(t *testing.T, store *eventlogmem.Store, activities ...string) *core.History {
	t.Helper()
	var events []core.Event
	for i, name := range activities {
		events = append(events, core.Event{
			Kind: core.EventCompensationRegistered,
			Payload: core.EventPayload{
				CompensationIndex:    i,
				CompensationActivity: name,
				RetryPolicy:          core.DefaultRetryPolicy(),
			},
		})
	}
	require.NoError(t, store.Append(context.Background(), testWorkflowID, testRunID, 1, events))
	hist, err := store.ReadRange(context.Background(), testWorkflowID, testRunID, 1, 0)
	require.NoError(t, err)
	return hist
}

func TestAdvanceSchedulesInReverseOrder(t *testing.T) {
	store := eventlogmem.New()
	queue := taskqueuemem.New()
	coord := NewCoordinator(store, queue, payload.DefaultDataConverter)

	hist := registeredHistory(t, store, "undo_a", "undo_b", "undo_c")

	status, err := coord.Advance(context.Background(), testQueue, testWorkflowID, testRunID, hist)
	require.NoError(t, err)
	require.False(t, status.Done)
	require.Empty(t, status.Results)

	hist, err = store.ReadRange(context.Background(), testWorkflowID, testRunID, 1, 0)
	require.NoError(t, err)
	last := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventCompensationScheduled, last.Kind)
	require.Equal(t, "undo_c", last.Payload.CompensationActivity, "last-registered compensation runs first")
}

func TestAdvanceIsIdempotentWhileInFlight(t *testing.T) {
	store := eventlogmem.New()
	queue := taskqueuemem.New()
	coord := NewCoordinator(store, queue, payload.DefaultDataConverter)

	hist := registeredHistory(t, store, "undo_a", "undo_b")
	_, err := coord.Advance(context.Background(), testQueue, testWorkflowID, testRunID, hist)
	require.NoError(t, err)

	hist, err = store.ReadRange(context.Background(), testWorkflowID, testRunID, 1, 0)
	require.NoError(t, err)
	beforeLen := len(hist.Events)

	status, err := coord.Advance(context.Background(), testQueue, testWorkflowID, testRunID, hist)
	require.NoError(t, err)
	require.False(t, status.Done)

	hist, err = store.ReadRange(context.Background(), testWorkflowID, testRunID, 1, 0)
	require.NoError(t, err)
	require.Len(t, hist.Events, beforeLen, "advancing again before the scheduled compensation resolves appends nothing")
}

func TestAdvanceAccumulatesResultsAndReportsDone(t *testing.T) {
	store := eventlogmem.New()
	queue := taskqueuemem.New()
	coord := NewCoordinator(store, queue, payload.DefaultDataConverter)

	hist := registeredHistory(t, store, "undo_a", "undo_b")

	// undo_b scheduled and completed.
	_, err := coord.Advance(context.Background(), testQueue, testWorkflowID, testRunID, hist)
	require.NoError(t, err)
	hist, err = store.ReadRange(context.Background(), testWorkflowID, testRunID, 1, 0)
	require.NoError(t, err)
	scheduledB := hist.Events[len(hist.Events)-1]
	require.NoError(t, store.Append(context.Background(), testWorkflowID, testRunID, hist.Tail()+1, []core.Event{
		{Kind: core.EventCompensationCompleted, Payload: core.EventPayload{CompensationIndex: scheduledB.Payload.CompensationIndex, ActivityID: scheduledB.Payload.ActivityID}},
	}))

	hist, err = store.ReadRange(context.Background(), testWorkflowID, testRunID, 1, 0)
	require.NoError(t, err)
	status, err := coord.Advance(context.Background(), testQueue, testWorkflowID, testRunID, hist)
	require.NoError(t, err)
	require.False(t, status.Done)
	require.Len(t, status.Results, 1)
	require.True(t, status.Results[0].Succeeded)

	// undo_a scheduled and failed.
	hist, err = store.ReadRange(context.Background(), testWorkflowID, testRunID, 1, 0)
	require.NoError(t, err)
	scheduledA := hist.Events[len(hist.Events)-1]
	require.NoError(t, store.Append(context.Background(), testWorkflowID, testRunID, hist.Tail()+1, []core.Event{
		{Kind: core.EventCompensationFailed, Payload: core.EventPayload{CompensationIndex: scheduledA.Payload.CompensationIndex, ActivityID: scheduledA.Payload.ActivityID, ErrorMessage: "boom"}},
	}))

	hist, err = store.ReadRange(context.Background(), testWorkflowID, testRunID, 1, 0)
	require.NoError(t, err)
	status, err = coord.Advance(context.Background(), testQueue, testWorkflowID, testRunID, hist)
	require.NoError(t, err)
	require.True(t, status.Done)
	require.Len(t, status.Results, 2)
	require.False(t, status.Results[1].Succeeded)
	require.Equal(t, "boom", status.Results[1].Error)
}

func TestAdvanceCarriesCompensationInputThrough(t *testing.T) {
	store := eventlogmem.New()
	queue := taskqueuemem.New()
	coord := NewCoordinator(store, queue, payload.DefaultDataConverter)

	inputPayloads, err := payload.DefaultDataConverter.ToPayloads("tenant-42")
	require.NoError(t, err)
	items := inputPayloads.GetPayloads()
	require.NoError(t, store.Append(context.Background(), testWorkflowID, testRunID, 1, []core.Event{
		{Kind: core.EventCompensationRegistered, Payload: core.EventPayload{
			CompensationIndex: 0, CompensationActivity: "undo_tenant_switch",
			CompensationInput: items[0].GetData(), CompensationInputMeta: items[0].GetMetadata(),
			RetryPolicy: core.DefaultRetryPolicy(),
		}},
	}))
	hist, err := store.ReadRange(context.Background(), testWorkflowID, testRunID, 1, 0)
	require.NoError(t, err)

	entries := EntriesFromHistory(hist)
	require.Len(t, entries, 1)
	require.Equal(t, items[0].GetData(), entries[0].Input, "EntriesFromHistory must carry the registered payload bytes through verbatim")

	_, err = coord.Advance(context.Background(), testQueue, testWorkflowID, testRunID, hist)
	require.NoError(t, err)

	hist, err = store.ReadRange(context.Background(), testWorkflowID, testRunID, 1, 0)
	require.NoError(t, err)
	scheduled := hist.Events[len(hist.Events)-1]
	require.Equal(t, core.EventCompensationScheduled, scheduled.Kind)

	var decoded string
	ps := &payload.Payloads{Payloads: []*payload.Payload{{Data: scheduled.Payload.CompensationInput, Metadata: scheduled.Payload.CompensationInputMeta}}}
	require.NoError(t, payload.DefaultDataConverter.FromPayloads(ps, &decoded))
	require.Equal(t, "tenant-42", decoded, "CompensationScheduled must carry the original RegisterCompensation input, not nil")
}

func TestEntriesFromHistoryPreservesRegistrationOrder(t *testing.T) {
	store := eventlogmem.New()
	hist := registeredHistory(t, store, "first", "second", "third")
	entries := EntriesFromHistory(hist)
	require.Len(t, entries, 3)
	require.Equal(t, "first", entries[0].CompensationActivity)
	require.Equal(t, "third", entries[2].CompensationActivity)
}
