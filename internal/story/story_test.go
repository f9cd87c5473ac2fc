package story

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/task"
	"github.com/taskmesh/taskmesh/internal/worker"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "story.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenConfiguresDatabase(t *testing.T) {
	s := openTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1")) // NORMAL
	assert.NoError(t, s.verifyPragma("user_version", "2"))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "story.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.RecordTransition(1, "x", task.Released, task.Waiting, "s1"))
	require.NoError(t, s1.Close())

	// Reopening keeps the data and reapplies schema without error.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	transitions, err := s2.ReadAllTransitions(context.Background())
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "x", transitions[0].Key)
}

func TestRecordAndReadBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := &protocol.FreeKeysEvent{Keys: []string{"x"}, StimulusID: "s1", Handled: 11.22}
	require.NoError(t, s.RecordStimulus(1, ev))
	require.NoError(t, s.RecordTransition(2, "x", task.Memory, task.Released, "s1"))
	require.NoError(t, s.RecordTransition(3, "x", task.Released, task.Forgotten, "s1"))

	stimuli, err := s.ReadAllStimuli(ctx)
	require.NoError(t, err)
	require.Len(t, stimuli, 1)
	assert.Equal(t, "FreeKeysEvent", stimuli[0].Cls)
	assert.Equal(t, "s1", stimuli[0].StimulusID)
	assert.Equal(t, 11.22, stimuli[0].Handled)

	// The stored payload decodes back into the original event.
	decoded, err := protocol.FromDict(stimuli[0].Payload)
	require.NoError(t, err)
	assert.True(t, protocol.EqualEvents(ev, decoded))

	transitions, err := s.ReadAllTransitions(ctx)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, task.Memory, transitions[0].Start)
	assert.Equal(t, task.Forgotten, transitions[1].Finish)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestStoryFiltersByKeyOrStimulus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTransition(1, "x", task.Released, task.Waiting, "s1"))
	require.NoError(t, s.RecordTransition(2, "y", task.Released, task.Fetch, "s1"))
	require.NoError(t, s.RecordTransition(3, "x", task.Waiting, task.Ready, "s2"))
	require.NoError(t, s.RecordTransition(4, "z", task.Released, task.Missing, "s3"))

	// By task key.
	got, err := s.Story(ctx, "x")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, int64(3), got[1].Seq)

	// By stimulus ID: pulls in every task the stimulus touched.
	got, err = s.Story(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].Key)
	assert.Equal(t, "y", got[1].Key)

	// Mixed filters union, ordered by seq.
	got, err = s.Story(ctx, "z", "s2")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].Key)
	assert.Equal(t, "z", got[1].Key)

	// No filters, no rows.
	got, err = s.Story(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchStoryAnswersWhichPeer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordFetch(3, "x", "tcp://w1", "s1"))
	require.NoError(t, s.RecordFetch(4, "y", "tcp://w1", "s1"))
	require.NoError(t, s.RecordFetch(7, "x", "tcp://w2", "s2"))

	// By task key: every peer x was ever requested from, in order.
	got, err := s.FetchStory(ctx, "x")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tcp://w1", got[0].Peer)
	assert.Equal(t, "tcp://w2", got[1].Peer)

	// By stimulus ID.
	got, err = s.FetchStory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].Key)
	assert.Equal(t, "y", got[1].Key)

	// No filters, no rows.
	got, err = s.FetchStory(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	all, err := s.ReadAllFetches(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMachineRecordsIssuedFetches(t *testing.T) {
	s := openTestStore(t)
	driveStory(t, s)
	ctx := context.Background()

	// The compute request for x forced a gather of y from w1; the log
	// must say which peer the key was requested from.
	fetches, err := s.FetchStory(ctx, "y")
	require.NoError(t, err)
	require.Len(t, fetches, 1)
	assert.Equal(t, "tcp://w1", fetches[0].Peer)
	assert.Equal(t, "s1", fetches[0].StimulusID)

	// The fetch row shares the seq of y's move into flight.
	transitions, err := s.Story(ctx, "y")
	require.NoError(t, err)
	var flightSeq int64
	for _, tr := range transitions {
		if tr.Finish == task.Flight {
			flightSeq = tr.Seq
		}
	}
	assert.Equal(t, flightSeq, fetches[0].Seq)
}

func TestStimulusStory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordStimulus(1, &protocol.FindMissingEvent{StimulusID: "s1", Handled: 1}))
	require.NoError(t, s.RecordStimulus(2, &protocol.PauseEvent{StimulusID: "s2", Handled: 2}))

	got, err := s.StimulusStory(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "PauseEvent", got[0].Cls)
}

func TestMemoryRecorderStory(t *testing.T) {
	r := NewMemoryRecorder()
	require.NoError(t, r.RecordStimulus(1, &protocol.FindMissingEvent{StimulusID: "s1", Handled: 1}))
	require.NoError(t, r.RecordTransition(2, "x", task.Released, task.Waiting, "s1"))
	require.NoError(t, r.RecordTransition(3, "y", task.Released, task.Fetch, "s2"))
	require.NoError(t, r.RecordFetch(4, "y", "tcp://w1", "s2"))

	assert.Len(t, r.Stimuli(), 1)
	assert.Len(t, r.Transitions(), 2)
	require.Len(t, r.Fetches(), 1)
	assert.Equal(t, "tcp://w1", r.Fetches()[0].Peer)

	got := r.Story("x")
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Key)

	got = r.Story("s2")
	require.Len(t, got, 1)
	assert.Equal(t, "y", got[0].Key)
}

// driveStory runs a small workload against a machine that records into s.
func driveStory(t *testing.T, s *Store) {
	t.Helper()
	m := worker.NewMachine("tcp://self:1234", worker.WithRecorder(s))

	events := []protocol.Event{
		&protocol.ComputeTaskEvent{
			Key:        "x",
			WhoHas:     map[string][]string{"y": {"tcp://w1"}},
			Nbytes:     map[string]int64{"y": 100},
			Priority:   []int{0},
			RunSpec:    protocol.SerializedTask{Task: []byte("spec")},
			StimulusID: "s1",
		},
		&protocol.GatherDepSuccessEvent{
			Worker:      "tcp://w1",
			Data:        map[string]any{"y": "value"},
			Nbytes:      map[string]int64{"y": 100},
			TotalNbytes: 100,
			StimulusID:  "s2",
		},
		&protocol.ExecuteSuccessEvent{
			Key:        "x",
			Value:      42,
			Nbytes:     8,
			Type:       "int",
			StimulusID: "s3",
		},
		&protocol.FreeKeysEvent{Keys: []string{"x", "y"}, StimulusID: "s4"},
	}
	for _, ev := range events {
		_, err := m.HandleStimulus(ev)
		require.NoError(t, err)
	}
}

func TestReplayReproducesStory(t *testing.T) {
	s := openTestStore(t)
	driveStory(t, s)

	result, err := Replay(context.Background(), s, "tcp://self:1234")
	require.NoError(t, err)
	assert.True(t, result.Matches())
	assert.Equal(t, 4, result.Stimuli)
	assert.Greater(t, result.Transitions, 0)
}

func TestReplayDetectsDivergence(t *testing.T) {
	s := openTestStore(t)
	driveStory(t, s)

	// Corrupt one logged transition; the replay must notice.
	_, err := s.db.Exec(`UPDATE transitions SET finish_state = 'error' WHERE seq = (
		SELECT MIN(seq) FROM transitions
	)`)
	require.NoError(t, err)

	result, err := Replay(context.Background(), s, "tcp://self:1234")
	require.NoError(t, err)
	require.NotNil(t, result.Divergence)
	assert.Equal(t, 0, result.Divergence.Index)
	assert.Equal(t, task.Error, result.Divergence.Logged.Finish)
}
