package escrow_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	escrow "github.com/logistic-platform/logistics-contract"
)

func TestClockSource(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch.Add(1500 * time.Microsecond))
	src := escrow.NewClockSource(clock)

	now := src.Now()
	assert.Equal(t, escrow.AsUnixMilli(epoch)+1, now)

	clock.Advance(time.Second)
	assert.Equal(t, now.Add(time.Second), src.Now())
	assert.True(t, src.Now().After(now))
	assert.False(t, now.After(now))
}

func TestUnixMilli(t *testing.T) {
	var zero escrow.UnixMilli
	assert.True(t, zero.IsZero())

	ts := escrow.AsUnixMilli(epoch)
	assert.False(t, ts.IsZero())
	assert.True(t, ts.Time().Equal(epoch))
	assert.Equal(t, "2026-03-01T12:00:00Z", ts.String())

	data, err := json.Marshal(ts)
	assert.NoError(t, err)
	assert.Equal(t, "1772366400000", string(data))
}

func TestRecordedEvents(t *testing.T) {
	assert.True(t, escrow.EventCreated.Recorded())
	assert.True(t, escrow.EventReleased.Recorded())
	assert.True(t, escrow.EventRefunded.Recorded())
	assert.False(t, escrow.EventPublished.Recorded())
}
