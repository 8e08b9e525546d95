package protocol

import (
	"bufio"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	return got
}

func TestRoundTripHello(t *testing.T) {
	got := roundTrip(t, &Hello{Slots: 24})
	require.Equal(t, &Hello{Slots: 24}, got)
}

func TestRoundTripEnqueueJob(t *testing.T) {
	spec := JobSpec{
		Program:     "/bin/sh",
		Arguments:   []string{"-c", "echo hi"},
		Environment: []string{"PATH=/bin", "HOME=/"},
		Layers: []LayerRef{
			{Digest: DigestOf([]byte("base")), Type: ArtifactTar},
			{Digest: DigestOf([]byte("manifest")), Type: ArtifactManifest},
		},
		Timeout:          30 * time.Second,
		InlineLimit:      4096,
		WorkingDirectory: "/src",
		User:             1000,
		Group:            1000,
		Network:          NetworkLoopback,
		WritableRoot:     true,
		Tty:              false,
	}
	msg := &EnqueueJob{Id: JobId{Client: 3, Job: 17}, Spec: spec}
	require.Equal(t, msg, roundTrip(t, msg))
}

func TestRoundTripJobCompleted(t *testing.T) {
	for _, msg := range []*JobCompleted{
		{
			Id: JobId{Client: 1, Job: 2},
			Result: CompletedResult(ExitStatus{Code: 0}, JobEffects{
				Stdout: CapturedOutput{First: []byte("out")},
				Stderr: CapturedOutput{First: []byte("err"), Truncated: 900},
			}),
		},
		{
			Id:     JobId{Client: 1, Job: 3},
			Result: CompletedResult(ExitStatus{Signal: 9, Signaled: true}, JobEffects{}),
		},
		{Id: JobId{Client: 1, Job: 4}, Result: TimedOutResult(JobEffects{})},
		{Id: JobId{Client: 1, Job: 5}, Result: CanceledResult()},
		{Id: JobId{Client: 1, Job: 6}, Result: ErrorResult(ErrArtifactFetch, "connection refused")},
	} {
		got := roundTrip(t, msg)
		require.IsType(t, &JobCompleted{}, got)
		jc := got.(*JobCompleted)
		assert.Equal(t, msg.Id, jc.Id)
		if msg.Result.Err != nil {
			require.NotNil(t, jc.Result.Err)
			assert.Equal(t, *msg.Result.Err, *jc.Result.Err)
		} else {
			require.NotNil(t, jc.Result.Outcome)
			assert.Equal(t, msg.Result.Outcome.Kind, jc.Result.Outcome.Kind)
			assert.Equal(t, msg.Result.Outcome.Exit, jc.Result.Outcome.Exit)
		}
	}
}

func TestRoundTripSimpleMessages(t *testing.T) {
	d := DigestOf([]byte("blob"))
	require.Equal(t, &GetArtifact{Digest: d}, roundTrip(t, &GetArtifact{Digest: d}))
	require.Equal(t, &CancelJob{Id: JobId{Client: 9, Job: 1}}, roundTrip(t, &CancelJob{Id: JobId{Client: 9, Job: 1}}))
	require.Equal(t,
		&ArtifactTransferred{Digest: d, Locator: "runs/42/blob"},
		roundTrip(t, &ArtifactTransferred{Digest: d, Locator: "runs/42/blob"}))
	require.Equal(t,
		&JobStateTransition{Id: JobId{Client: 2, Job: 2}, Status: StatusExecuting},
		roundTrip(t, &JobStateTransition{Id: JobId{Client: 2, Job: 2}, Status: StatusExecuting}))
}

func TestDigestsAreRawOnTheWire(t *testing.T) {
	d := DigestOf([]byte("blob"))
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &GetArtifact{Digest: d}))
	// uvarint length (1 byte for a 33-byte body), tag, then 32 raw bytes.
	frame := buf.Bytes()
	require.Len(t, frame, 1+1+DigestSize)
	assert.Equal(t, byte(DigestSize+1), frame[0])
	assert.Equal(t, d[:], frame[2:])
}

func TestUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(1) // frame length
	buf.WriteByte(0xee)
	_, err := ReadMessage(bufio.NewReader(&buf))
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestTruncatedFrame(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, WriteMessage(&full, &EnqueueJob{
		Id:   JobId{Client: 1, Job: 1},
		Spec: JobSpec{Program: "/bin/true", Layers: []LayerRef{{Digest: DigestOf([]byte("x"))}}},
	}))
	cut := full.Bytes()[:full.Len()-5]
	_, err := ReadMessage(bufio.NewReader(bytes.NewReader(cut)))
	require.Error(t, err)
}

func TestReadMessageEOF(t *testing.T) {
	_, err := ReadMessage(bufio.NewReader(bytes.NewReader(nil)))
	require.ErrorIs(t, err, io.EOF)
}

func TestParseDigest(t *testing.T) {
	d := DigestOf([]byte("round trip"))
	got, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = ParseDigest("abc")
	require.Error(t, err)
	_, err = ParseDigest(string(make([]byte, 64)))
	require.Error(t, err)
}

func TestJobSpecDigestsDeduplicates(t *testing.T) {
	a := DigestOf([]byte("a"))
	b := DigestOf([]byte("b"))
	spec := JobSpec{Layers: []LayerRef{
		{Digest: a, Type: ArtifactTar},
		{Digest: b, Type: ArtifactTar},
		{Digest: a, Type: ArtifactManifest},
	}}
	assert.Equal(t, []Digest{a, b}, spec.Digests())
}
