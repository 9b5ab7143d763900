package message

import (
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"
)

// ErrNilBody is returned when a kind that requires a body (anything but
// KindSimple/KindQuery) is created with a nil payload.
var ErrNilBody = errors.New("message: body required for this kind")

// Option mutates a Message's Meta at creation time.
type Option func(*Meta)

// WithMaxRetries overrides the default retry ceiling (3) for this message.
func WithMaxRetries(n int) Option { return func(m *Meta) { m.MaxRetries = n } }

// WithResponseRequired marks this message as expecting a correlated reply.
func WithResponseRequired(replyTo string) Option {
	return func(m *Meta) {
		m.ResponseRequired = true
		m.ReplyTo = replyTo
	}
}

// WithProcessImmediately requests synchronous, inline processing instead of
// mailbox enqueue.
func WithProcessImmediately() Option { return func(m *Meta) { m.ProcessImmediately = true } }

// WithPriority sets the route-match tiebreak priority carried on the message
// itself (independent of the handler's registered priority).
func WithPriority(p int) Option { return func(m *Meta) { m.Priority = p } }

// WithTTL sets how long the message remains eligible for delivery.
func WithTTL(ttl time.Duration) Option { return func(m *Meta) { m.TTL = ttl } }

// WithCorrelationID overrides the default (== message id) correlation id,
// used when minting a reply so it correlates back to the original request.
func WithCorrelationID(id string) Option { return func(m *Meta) { m.CorrelationID = id } }

// WithInReplyTo marks this message as a reply to the given request id.
func WithInReplyTo(id string) Option { return func(m *Meta) { m.InReplyTo = id } }

// WithCustom seeds an initial meta.custom entry.
func WithCustom(key string, value interface{}) Option {
	return func(m *Meta) { m.CustomSet(key, value) }
}

// Factory mints Messages with globally unique ids and stable per-process
// sender ids, and builds transaction batches that share one transaction id
// with a strictly increasing sequence number.
type Factory struct {
	senderID string
	idGen    func() (uuid.UUID, error)

	mu  sync.Mutex
	seq uint64
}

// NewFactory builds a Factory whose minted senderId is stable for the life
// of the process (one random id at construction, reused for every message).
func NewFactory() (*Factory, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "message: mint sender id")
	}
	return &Factory{senderID: id.String(), idGen: uuid.NewV4}, nil
}

func (f *Factory) newID() (string, error) {
	id, err := f.idGen()
	if err != nil {
		return "", errors.Wrap(err, "message: mint id")
	}
	return id.String(), nil
}

// Create validates path and mints a new Message of the given kind with the
// supplied body, applying opts to its Meta.
func (f *Factory) Create(path string, kind Kind, body interface{}, opts ...Option) (*Message, error) {
	parsed, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	if err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(parsed.Subsystem, "path.subsystem"),
	).Check(); err != nil {
		return nil, errors.Wrap(ErrInvalidPath, err.Error())
	}
	if body == nil && kind != KindSimple && kind != KindQuery {
		return nil, errors.Wrapf(ErrNilBody, "kind %q", kind)
	}

	id, err := f.newID()
	if err != nil {
		return nil, err
	}

	meta := newMeta()
	meta.SenderID = f.senderID
	meta.CreatedAt = time.Now()
	meta.MaxRetries = 3
	meta.CorrelationID = id
	for _, opt := range opts {
		opt(&meta)
	}

	return &Message{id: id, path: parsed.String(), body: body, kind: kind, meta: meta}, nil
}

// BatchSpec describes one message in a CreateTransactionBatch call.
type BatchSpec struct {
	Path string
	Body interface{}
	Opts []Option
}

// CreateTransactionBatch mints len(specs) messages of KindTransaction that
// all share one transaction id and carry a strictly increasing Seq starting
// at 0, in the order given.
func (f *Factory) CreateTransactionBatch(specs []BatchSpec) ([]*Message, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	txnID, err := f.newID()
	if err != nil {
		return nil, err
	}
	total := len(specs)
	out := make([]*Message, 0, len(specs))
	for i, spec := range specs {
		seq := i
		opts := append([]Option{}, spec.Opts...)
		opts = append(opts, func(m *Meta) {
			m.TransactionID = txnID
			m.HasSeq = true
			m.Seq = seq
		})
		opts = append(opts, WithCustom("transactionTotal", total))
		msg, err := f.Create(spec.Path, KindTransaction, spec.Body, opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "transaction batch item %d", i)
		}
		out = append(out, msg)
	}
	return out, nil
}

// Retry mints a fresh Message carrying the next retry attempt of original:
// a new id (per spec.md's "new id, carry originalId" resolution), the same
// path/body, kind KindRetry, and meta.custom["originalId"]/["retryCount"] set.
func (f *Factory) Retry(original *Message, retryCount int) (*Message, error) {
	id, err := f.newID()
	if err != nil {
		return nil, err
	}
	meta := newMeta()
	meta.SenderID = original.meta.SenderID
	meta.CreatedAt = time.Now()
	meta.MaxRetries = original.meta.MaxRetries
	meta.CorrelationID = original.meta.CorrelationID
	meta.ResponseRequired = original.meta.ResponseRequired
	meta.ReplyTo = original.meta.ReplyTo
	meta.Priority = original.meta.Priority
	meta.TTL = original.meta.TTL
	meta.CustomSet("originalId", original.id)
	meta.CustomSet("retryCount", retryCount)
	for k, v := range original.meta.CustomSnapshot() {
		if k == "originalId" || k == "retryCount" {
			continue
		}
		meta.CustomSet(k, v)
	}
	return &Message{id: id, path: original.path, body: original.body, kind: KindRetry, meta: meta}, nil
}
