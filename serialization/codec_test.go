package serialization

import (
	"testing"

	"github.com/glimte/courier-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shipmentEvent interface {
	Shipment() string
}

type parcelShipped struct {
	ParcelID string `json:"parcelId"`
	Weight   int    `json:"weight"`
}

func (p parcelShipped) Shipment() string { return p.ParcelID }

func newTestCodec(t *testing.T) (*Codec, *contracts.Registry) {
	t.Helper()
	registry := contracts.NewRegistry()
	_, err := contracts.RegisterEvent[parcelShipped](registry, "shipping")
	require.NoError(t, err)
	_, err = contracts.RegisterEvent[shipmentEvent](registry, "")
	require.NoError(t, err)
	return NewCodec(registry), registry
}

func TestCodec(t *testing.T) {
	codec, registry := newTestCodec(t)
	factory := contracts.NewMessageFactory(registry, contracts.NewEndpointIdentity("shipping", "s-1"))

	t.Run("body round trips the payload", func(t *testing.T) {
		msg, err := factory.Create(parcelShipped{ParcelID: "p-1", Weight: 3}, nil)
		require.NoError(t, err)

		data, err := codec.EncodeBody(msg)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x1f, 0x8b}, data[:2], "body is gzip compressed")

		decoded, err := codec.DecodeBody(data, msg.ReflectedType().Name, msg.Headers().Clone())
		require.NoError(t, err)
		assert.Equal(t, parcelShipped{ParcelID: "p-1", Weight: 3}, decoded.Payload())
		assert.Equal(t, msg.ID(), decoded.ID())
	})

	t.Run("ancestor messages decode into the concrete payload", func(t *testing.T) {
		msgs, err := factory.CreateContravariant(parcelShipped{ParcelID: "p-2"}, nil)
		require.NoError(t, err)
		require.Len(t, msgs, 2)

		env, err := codec.Marshal(msgs[1])
		require.NoError(t, err)

		decoded, err := codec.Unmarshal(env)
		require.NoError(t, err)
		assert.True(t, decoded.ReflectedType().IsAncestor())
		assert.IsType(t, parcelShipped{}, decoded.Payload())
		assert.Equal(t, "p-2", decoded.Payload().(shipmentEvent).Shipment())
	})

	t.Run("unknown reflected types fail", func(t *testing.T) {
		msg, err := factory.Create(parcelShipped{}, nil)
		require.NoError(t, err)
		data, err := codec.EncodeBody(msg)
		require.NoError(t, err)

		_, err = codec.DecodeBody(data, "example.Unknown", nil)
		assert.ErrorIs(t, err, contracts.ErrUnknownContract)
	})

	t.Run("garbage bodies fail", func(t *testing.T) {
		_, err := codec.DecodeBody([]byte("not gzip"), registry.All()[0].Name, nil)
		assert.Error(t, err)
	})

	t.Run("inspect reads a body without the registry", func(t *testing.T) {
		msg, err := factory.Create(parcelShipped{ParcelID: "p-3", Weight: 7}, nil)
		require.NoError(t, err)
		data, err := codec.EncodeBody(msg)
		require.NoError(t, err)

		payloadType, payload, err := Inspect(data)
		require.NoError(t, err)
		assert.Equal(t, msg.ReflectedType().Name, payloadType)
		assert.JSONEq(t, `{"parcelId":"p-3","weight":7}`, string(payload))

		_, _, err = Inspect([]byte("plain"))
		assert.ErrorIs(t, err, ErrMalformedBody)
	})

	t.Run("content checks", func(t *testing.T) {
		assert.NoError(t, CheckContent("application/json", "gzip"))
		assert.ErrorIs(t, CheckContent("text/plain", "gzip"), ErrUnsupportedContent)
	})
}
