package forwarder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
)

func TestSubjectFor(t *testing.T) {
	f := &JetStreamForwarder{subjectPrefix: "v1.gateway"}

	assert.Equal(t, "v1.gateway.whapi.message", f.subjectFor("whapi", model.EventKindMessage))
	assert.Equal(t, "v1.gateway.wassenger.message_status", f.subjectFor("wassenger", model.EventKindMessageStatus))
	assert.Equal(t, "v1.gateway.whapi.contact", f.subjectFor("whapi", model.EventKindContact))
}

func TestNoopForwarder(t *testing.T) {
	var f Forwarder = Noop{}

	err := f.Forward(context.Background(), "whapi", 1, &model.NormalizedEvent{Kind: model.EventKindMessage, EventID: "m1"})
	assert.NoError(t, err)
	assert.NotPanics(t, f.Close)
}
