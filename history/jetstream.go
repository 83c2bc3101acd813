package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/rtlstream/errors"
	"github.com/c360/rtlstream/natsclient"
	"github.com/c360/rtlstream/store"
)

// StreamPublisher is the part of natsclient.Client the JetStream sink uses.
type StreamPublisher interface {
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

var _ StreamPublisher = (*natsclient.Client)(nil)

// JetStream is a store.HistorySink that appends JSON records to a stream,
// one subject per subject id: "<subject prefix>.<subject id>".
type JetStream struct {
	client  StreamPublisher
	stream  string
	subject string
}

var _ store.HistorySink = (*JetStream)(nil)

// NewJetStream creates the sink and makes sure the stream exists.
func NewJetStream(ctx context.Context, client StreamPublisher, stream, subjectPrefix string, maxAge time.Duration) (*JetStream, error) {
	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{subjectPrefix + ".>"},
		MaxAge:   maxAge,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "JetStream", "NewJetStream", "ensure stream "+stream)
	}
	return &JetStream{client: client, stream: stream, subject: subjectPrefix}, nil
}

// AppendPosition implements store.HistorySink.
func (j *JetStream) AppendPosition(ctx context.Context, rec store.PositionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "JetStream", "AppendPosition", "encode record")
	}
	return j.client.PublishToStream(ctx, j.subject+"."+rec.SubjectID, data)
}
