package kafka

import (
	"testing"
	"time"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/couchcryptid/storm-alert-correlator/internal/engine"
	"github.com/google/go-cmp/cmp"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAction(t *testing.T) engine.Action {
	t.Helper()
	key, err := domain.ParseKey("KOUNTOW001524")
	require.NoError(t, err)
	episode, err := domain.ParseKey("KOUNTOA024524")
	require.NoError(t, err)
	end := time.Date(2024, 5, 20, 22, 0, 0, 0, time.UTC)
	return engine.Action{
		ID:      "act-1",
		CycleID: "cycle-1",
		Bucket:  engine.BucketNewEvent,
		Target:  key,
		Alert: &domain.Alert{
			ID:            "urn:oid:tor1",
			Key:           key,
			Status:        domain.StatusNew,
			HazardType:    "TOR",
			SentAt:        time.Date(2024, 5, 20, 21, 3, 0, 0, time.UTC),
			ExpectedClose: &end,
			Locations:     []domain.Location{{EventKey: key, UGC: "OKC109", SAME: "040109"}},
		},
		Link: &engine.Link{EpisodeKey: episode},
	}
}

func TestSerializeToMessage(t *testing.T) {
	act := testAction(t)

	msg, err := serializeToMessage(act)
	require.NoError(t, err)

	assert.Equal(t, []byte("KOUNTOW001524"), msg.Key)
	assert.Contains(t, string(msg.Value), `"bucket":"new_event"`)
	assert.Contains(t, string(msg.Value), `"target":"KOUNTOW001524"`)
	assert.Len(t, msg.Headers, 2)
	assert.Equal(t, "bucket", msg.Headers[0].Key)
	assert.Equal(t, []byte("new_event"), msg.Headers[0].Value)
	assert.Equal(t, "cycle_id", msg.Headers[1].Key)
	assert.Equal(t, []byte("cycle-1"), msg.Headers[1].Value)
}

func TestMapMessageToDelivery_RoundTrip(t *testing.T) {
	act := testAction(t)
	msg, err := serializeToMessage(act)
	require.NoError(t, err)
	msg.Topic = "hazard-lifecycle-actions"
	msg.Partition = 2
	msg.Offset = 42

	d := mapMessageToDelivery(msg)

	require.NoError(t, d.DecodeErr)
	assert.Equal(t, "hazard-lifecycle-actions", d.Topic)
	assert.Equal(t, 2, d.Partition)
	assert.Equal(t, int64(42), d.Offset)
	if diff := cmp.Diff(act, d.Action); diff != "" {
		t.Errorf("action changed crossing the queue (-want +got):\n%s", diff)
	}
}

func TestMapMessageToDelivery_DecodeError(t *testing.T) {
	d := mapMessageToDelivery(kafkago.Message{Value: []byte("not json"), Offset: 7})

	require.Error(t, d.DecodeErr)
	assert.Contains(t, d.DecodeErr.Error(), "offset 7")
}

func TestMapMessageToDelivery_MalformedTarget(t *testing.T) {
	d := mapMessageToDelivery(kafkago.Message{Value: []byte(`{"id":"a","bucket":"new_event","target":"bogus"}`)})

	require.ErrorIs(t, d.DecodeErr, domain.ErrMalformedKey)
}
