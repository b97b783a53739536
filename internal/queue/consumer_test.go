package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sender/internal/broadcast"
	"sender/internal/jobs"
	logx "sender/pkg/logx"
)

type fakeJobs struct {
	submitted []jobs.StartRequest
	stopped   []string
	err       error
}

func (f *fakeJobs) Submit(_ context.Context, req jobs.StartRequest) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, req)
	return nil
}

func (f *fakeJobs) Stop(_ context.Context, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.stopped = append(f.stopped, id)
	return true, nil
}

type fakeAck struct {
	acked, nacked, requeued bool
}

func (a *fakeAck) Ack(bool) error { a.acked = true; return nil }

func (a *fakeAck) Nack(_, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

func TestHandleStart(t *testing.T) {
	j := &fakeJobs{}
	c := NewConsumer(Config{}, j, logx.Nop())
	body := `{"action":"start","job_id":"j1","account_id":"acc","platform":"Telegram",
		"recipients":[{"contact_info":"@bob"}],"templates":[{"id":"t1","content":"hi"}],"template_mode":"alternating"}`

	require.NoError(t, c.Handle(context.Background(), []byte(body)))
	require.Len(t, j.submitted, 1)
	req := j.submitted[0]
	assert.Equal(t, "j1", req.JobID)
	assert.Equal(t, broadcast.Telegram, req.Platform)
	assert.Equal(t, broadcast.ModeAlternating, req.Mode)
	assert.Equal(t, "@bob", req.Recipients[0].Contact)
}

func TestHandleStop(t *testing.T) {
	j := &fakeJobs{}
	c := NewConsumer(Config{}, j, logx.Nop())
	require.NoError(t, c.Handle(context.Background(), []byte(`{"action":"STOP","job_id":"j1"}`)))
	assert.Equal(t, []string{"j1"}, j.stopped)
}

func TestHandleMalformed(t *testing.T) {
	c := NewConsumer(Config{}, &fakeJobs{}, logx.Nop())
	for _, body := range []string{`not json`, `{"action":"start"}`, `{"action":"pause","job_id":"j"}`} {
		assert.ErrorIs(t, c.Handle(context.Background(), []byte(body)), ErrMalformed, body)
	}
}

func TestDeliveryAcknowledgement(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		err         error
		redelivered bool
		want        fakeAck
	}{
		{"handled", `{"action":"stop","job_id":"j"}`, nil, false, fakeAck{acked: true}},
		{"malformed", `{`, nil, false, fakeAck{nacked: true}},
		{"rejected", `{"action":"start","job_id":"j"}`, fmt.Errorf("%w: j", broadcast.ErrJobTerminal), false, fakeAck{acked: true}},
		{"transient", `{"action":"start","job_id":"j"}`, errors.New("db down"), false, fakeAck{nacked: true, requeued: true}},
		{"transient twice", `{"action":"start","job_id":"j"}`, errors.New("db down"), true, fakeAck{nacked: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConsumer(Config{}, &fakeJobs{err: tt.err}, logx.Nop())
			var a fakeAck
			c.handleDelivery(context.Background(), []byte(tt.body), tt.redelivered, &a)
			assert.Equal(t, tt.want, a)
		})
	}
}

func TestRunReportsDialFailure(t *testing.T) {
	c := NewConsumer(Config{URL: "amqp://nowhere", Queue: "q"}, &fakeJobs{}, logx.Nop())
	c.dial = func(string) (*amqp.Connection, error) { return nil, errors.New("refused") }
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}
