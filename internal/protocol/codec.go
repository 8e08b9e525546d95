package protocol

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Frame format: a uvarint body length, then a one-byte message tag, then the
// message fields in declared order. Integers are uvarint, byte strings are
// uvarint-length-prefixed, digests are 32 raw bytes, enums are single bytes.

const (
	tagHello byte = iota
	tagEnqueueJob
	tagCancelJob
	tagArtifactTransferred
	tagGetArtifact
	tagJobStateTransition
	tagJobCompleted
)

// maxFrameSize bounds a single decoded frame. Job specs and captured stdio
// are small; artifact payloads never travel in frames.
const maxFrameSize = 16 << 20

// ErrUnknownTag is returned when a frame carries a tag this worker does not
// understand. It is a protocol violation and fatal to the connection.
var ErrUnknownTag = errors.New("unknown message tag")

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, msg Message) error {
	body := appendMessage(nil, msg)
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(body)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "write frame body")
	}
	return nil
}

// ReadMessage reads and decodes one frame. r must be buffered; the length
// prefix is consumed byte-wise.
func ReadMessage(r io.ByteReader) (Message, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size == 0 || size > maxFrameSize {
		return nil, errors.Errorf("bad frame size %d", size)
	}
	body := make([]byte, size)
	if br, ok := r.(io.Reader); ok {
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, errors.Wrap(err, "read frame body")
		}
	} else {
		for i := range body {
			b, err := r.ReadByte()
			if err != nil {
				return nil, errors.Wrap(err, "read frame body")
			}
			body[i] = b
		}
	}
	return decodeMessage(body)
}

// ---- encoding ----

func appendMessage(b []byte, msg Message) []byte {
	switch m := msg.(type) {
	case *Hello:
		b = append(b, tagHello)
		b = binary.AppendUvarint(b, uint64(m.Slots))
	case *EnqueueJob:
		b = append(b, tagEnqueueJob)
		b = appendJobId(b, m.Id)
		b = appendJobSpec(b, &m.Spec)
	case *CancelJob:
		b = append(b, tagCancelJob)
		b = appendJobId(b, m.Id)
	case *ArtifactTransferred:
		b = append(b, tagArtifactTransferred)
		b = append(b, m.Digest[:]...)
		b = appendString(b, m.Locator)
	case *GetArtifact:
		b = append(b, tagGetArtifact)
		b = append(b, m.Digest[:]...)
	case *JobStateTransition:
		b = append(b, tagJobStateTransition)
		b = appendJobId(b, m.Id)
		b = append(b, byte(m.Status))
	case *JobCompleted:
		b = append(b, tagJobCompleted)
		b = appendJobId(b, m.Id)
		b = appendResult(b, m.Result)
	default:
		panic(errors.Errorf("cannot encode %T", msg))
	}
	return b
}

func appendJobId(b []byte, id JobId) []byte {
	b = binary.AppendUvarint(b, uint64(id.Client))
	return binary.AppendUvarint(b, uint64(id.Job))
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendBytes(b, p []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendJobSpec(b []byte, s *JobSpec) []byte {
	b = appendString(b, s.Program)
	b = binary.AppendUvarint(b, uint64(len(s.Arguments)))
	for _, a := range s.Arguments {
		b = appendString(b, a)
	}
	b = binary.AppendUvarint(b, uint64(len(s.Environment)))
	for _, e := range s.Environment {
		b = appendString(b, e)
	}
	b = binary.AppendUvarint(b, uint64(len(s.Layers)))
	for _, l := range s.Layers {
		b = append(b, l.Digest[:]...)
		b = append(b, byte(l.Type))
	}
	b = binary.AppendUvarint(b, uint64(s.Timeout))
	b = binary.AppendUvarint(b, s.InlineLimit)
	b = appendString(b, s.WorkingDirectory)
	b = binary.AppendUvarint(b, uint64(s.User))
	b = binary.AppendUvarint(b, uint64(s.Group))
	b = append(b, byte(s.Network))
	b = appendBool(b, s.WritableRoot)
	return appendBool(b, s.Tty)
}

func appendCaptured(b []byte, c CapturedOutput) []byte {
	b = appendBytes(b, c.First)
	return binary.AppendUvarint(b, c.Truncated)
}

func appendResult(b []byte, r JobResult) []byte {
	if r.Err != nil {
		b = append(b, 1)
		b = append(b, byte(r.Err.Kind))
		return appendString(b, r.Err.Detail)
	}
	o := r.Outcome
	b = append(b, 0)
	b = append(b, byte(o.Kind))
	if o.Kind == OutcomeCompleted {
		b = appendBool(b, o.Exit.Signaled)
		if o.Exit.Signaled {
			b = binary.AppendUvarint(b, uint64(o.Exit.Signal))
		} else {
			b = binary.AppendUvarint(b, uint64(o.Exit.Code))
		}
	}
	if o.Kind == OutcomeCompleted || o.Kind == OutcomeTimedOut {
		b = appendCaptured(b, o.Effects.Stdout)
		b = appendCaptured(b, o.Effects.Stderr)
	}
	return b
}

// ---- decoding ----

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail(msg string) {
	if d.err == nil {
		d.err = errors.New(msg)
	}
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) == 0 {
		d.fail("truncated frame")
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail("truncated frame")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.fail("truncated frame")
		return nil
	}
	p := make([]byte, n)
	copy(p, d.buf[:n])
	d.buf = d.buf[n:]
	return p
}

func (d *decoder) string() string { return string(d.bytes()) }

func (d *decoder) bool() bool { return d.byte() != 0 }

func (d *decoder) digest() Digest {
	var dg Digest
	if d.err != nil {
		return dg
	}
	if len(d.buf) < DigestSize {
		d.fail("truncated frame")
		return dg
	}
	copy(dg[:], d.buf[:DigestSize])
	d.buf = d.buf[DigestSize:]
	return dg
}

func (d *decoder) jobId() JobId {
	return JobId{Client: ClientId(d.uvarint()), Job: ClientJobId(d.uvarint())}
}

func (d *decoder) jobSpec() JobSpec {
	var s JobSpec
	s.Program = d.string()
	n := d.uvarint()
	for i := uint64(0); i < n && d.err == nil; i++ {
		s.Arguments = append(s.Arguments, d.string())
	}
	n = d.uvarint()
	for i := uint64(0); i < n && d.err == nil; i++ {
		s.Environment = append(s.Environment, d.string())
	}
	n = d.uvarint()
	for i := uint64(0); i < n && d.err == nil; i++ {
		s.Layers = append(s.Layers, LayerRef{Digest: d.digest(), Type: ArtifactType(d.byte())})
	}
	s.Timeout = time.Duration(d.uvarint())
	s.InlineLimit = d.uvarint()
	s.WorkingDirectory = d.string()
	s.User = uint32(d.uvarint())
	s.Group = uint32(d.uvarint())
	s.Network = NetworkPolicy(d.byte())
	s.WritableRoot = d.bool()
	s.Tty = d.bool()
	return s
}

func (d *decoder) captured() CapturedOutput {
	return CapturedOutput{First: d.bytes(), Truncated: d.uvarint()}
}

func (d *decoder) result() JobResult {
	if d.byte() == 1 {
		return JobResult{Err: &JobError{Kind: JobErrorKind(d.byte()), Detail: d.string()}}
	}
	o := &JobOutcome{Kind: OutcomeKind(d.byte())}
	if o.Kind == OutcomeCompleted {
		o.Exit.Signaled = d.bool()
		if o.Exit.Signaled {
			o.Exit.Signal = int(d.uvarint())
		} else {
			o.Exit.Code = int(d.uvarint())
		}
	}
	if o.Kind == OutcomeCompleted || o.Kind == OutcomeTimedOut {
		o.Effects.Stdout = d.captured()
		o.Effects.Stderr = d.captured()
	}
	return JobResult{Outcome: o}
}

func decodeMessage(body []byte) (Message, error) {
	d := &decoder{buf: body}
	tag := d.byte()
	var msg Message
	switch tag {
	case tagHello:
		msg = &Hello{Slots: uint16(d.uvarint())}
	case tagEnqueueJob:
		msg = &EnqueueJob{Id: d.jobId(), Spec: d.jobSpec()}
	case tagCancelJob:
		msg = &CancelJob{Id: d.jobId()}
	case tagArtifactTransferred:
		msg = &ArtifactTransferred{Digest: d.digest(), Locator: d.string()}
	case tagGetArtifact:
		msg = &GetArtifact{Digest: d.digest()}
	case tagJobStateTransition:
		msg = &JobStateTransition{Id: d.jobId(), Status: WorkerJobStatus(d.byte())}
	case tagJobCompleted:
		msg = &JobCompleted{Id: d.jobId(), Result: d.result()}
	default:
		return nil, errors.Wrapf(ErrUnknownTag, "tag %d", tag)
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, errors.Errorf("%d trailing bytes after message", len(d.buf))
	}
	return msg, nil
}
