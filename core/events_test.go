package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFanoutPublishesToAll(t *testing.T) {
	var got []string
	boom := errors.New("boom")
	pub := Fanout(
		PublisherFunc(func(_ context.Context, evt Event) error {
			got = append(got, "a:"+evt.Operation)
			return nil
		}),
		nil,
		PublisherFunc(func(_ context.Context, evt Event) error {
			got = append(got, "b:"+evt.Operation)
			return boom
		}),
	)
	err := pub.Publish(context.Background(), Event{Operation: "deposit"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"a:deposit", "b:deposit"}, got)
}

func TestFanoutSkipsDeliveredOnRetry(t *testing.T) {
	var hub []uint64
	fail := true
	pub := Fanout(
		PublisherFunc(func(_ context.Context, evt Event) error {
			if fail {
				return errors.New("journal down")
			}
			return nil
		}),
		PublisherFunc(func(_ context.Context, evt Event) error {
			hub = append(hub, evt.Sequence)
			return nil
		}),
	)
	require.Error(t, pub.Publish(context.Background(), Event{Sequence: 1}))
	fail = false
	require.NoError(t, pub.Publish(context.Background(), Event{Sequence: 1}))
	require.NoError(t, pub.Publish(context.Background(), Event{Sequence: 2}))
	require.Equal(t, []uint64{1, 2}, hub)
}
